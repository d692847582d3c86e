package wgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxResponseBody ограничивает размер читаемого ответа (защита от
// бесконечных тел).
const maxResponseBody = 10 * 1024 * 1024

// Client — типизированный клиент wgrest-совместимого control plane.
// Все вызовы несут bearer-токен; временные ошибки ретраятся
// с экспоненциальным backoff, 4xx возвращаются сразу.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// параметры ретраев; выставлены в New, в тестах укорачиваются
	maxRetries      uint64
	initialInterval time.Duration
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		maxRetries:      3,
		initialInterval: 500 * time.Millisecond,
	}
}

// ListDevices возвращает все интерфейсы control plane.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	if err := c.do(ctx, http.MethodGet, "/v1/devices/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDevice возвращает один интерфейс по имени.
func (c *Client) GetDevice(ctx context.Context, name string) (*Device, error) {
	var out Device
	path := "/v1/devices/" + url.PathEscape(name) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPeers возвращает пиров интерфейса. 404 означает «пиров ещё нет»
// и отдаётся как пустой список, не ошибка.
func (c *Client) ListPeers(ctx context.Context, device string) ([]Peer, error) {
	var out []Peer
	path := "/v1/devices/" + url.PathEscape(device) + "/peers/"
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return []Peer{}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePeer создаёт пира; ответ содержит одноразовый private_key,
// если ключ сгенерировал сервер.
func (c *Client) CreatePeer(ctx context.Context, device string, req CreatePeerRequest) (*Peer, error) {
	var out Peer
	path := "/v1/devices/" + url.PathEscape(device) + "/peers/"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePeer удаляет пира по url-safe представлению публичного ключа
// (см. URLSafeKey).
func (c *Client) DeletePeer(ctx context.Context, device, urlSafePublicKey string) error {
	path := "/v1/devices/" + url.PathEscape(device) + "/peers/" + url.PathEscape(urlSafePublicKey) + "/"
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do выполняет вызов с ретраями: 4xx — backoff.Permanent (сразу
// наружу), сеть/5xx — повтор до maxRetries.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	op := func() error {
		err := c.doOnce(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wgrest: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if result != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(result); err != nil {
			return fmt.Errorf("wgrest: decode response: %w", err)
		}
	}
	return nil
}
