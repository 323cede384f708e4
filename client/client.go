package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseUrl    string
	HttpClient HTTPClient
	Logf       func(format string, a ...any)
}

type EntityHubAPI struct {
	baseUrl   string
	netClient HTTPClient
	logf      func(format string, a ...any)
}

func New(cfg Config) (*EntityHubAPI, error) {
	if len(cfg.BaseUrl) == 0 {
		return nil, errors.New("BaseUrl is mandatory")
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.HttpClient == nil {
		cfg.HttpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	ans := EntityHubAPI{
		baseUrl:   cfg.BaseUrl,
		netClient: cfg.HttpClient,
		logf:      cfg.Logf,
	}
	return &ans, nil
}

func (h *EntityHubAPI) ListEntities(ctx context.Context) ([]Entity, error) {
	var ans Entities
	if err := h.do(ctx, http.MethodGet, "/entities", nil, http.StatusOK, &ans); err != nil {
		return nil, err
	}
	return ans.Entities, nil
}

// GetEntity returns a HttpError with StatusCode 404 when the entity does not
// exist.
func (h *EntityHubAPI) GetEntity(ctx context.Context, id int) (Entity, error) {
	var ans Entity
	err := h.do(ctx, http.MethodGet, h.entityPath(id), nil, http.StatusOK, &ans)
	return ans, err
}

func (h *EntityHubAPI) CreateEntity(ctx context.Context, e Entity) (ActionPerformed, error) {
	var ans ActionPerformed
	err := h.do(ctx, http.MethodPost, "/entities", e, http.StatusCreated, &ans)
	return ans, err
}

func (h *EntityHubAPI) UpdateEntity(ctx context.Context, id int, price float64) (ActionPerformed, error) {
	var ans ActionPerformed
	payload := Entity{ID: id, Price: price}
	err := h.do(ctx, http.MethodPut, h.entityPath(id), payload, http.StatusOK, &ans)
	return ans, err
}

func (h *EntityHubAPI) DeleteEntity(ctx context.Context, id int) (ActionPerformed, error) {
	var ans ActionPerformed
	err := h.do(ctx, http.MethodDelete, h.entityPath(id), nil, http.StatusOK, &ans)
	return ans, err
}

func (h *EntityHubAPI) do(ctx context.Context, method, path string, payload any, expected int, ans any) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.buildUrl(path), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.netClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != expected {
		e := HttpError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		var msg struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			e.Message = msg.Message
			if len(e.Message) == 0 {
				e.Message = msg.Description
			}
		}
		h.logf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		return e
	}
	return json.NewDecoder(resp.Body).Decode(ans)
}

func (h *EntityHubAPI) entityPath(id int) string {
	return fmt.Sprintf("/entities/%d", id)
}

func (h *EntityHubAPI) buildUrl(path string) string {
	return h.baseUrl + path
}
