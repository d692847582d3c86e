package wgrest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Device — интерфейс, как его отдаёт control plane.
type Device struct {
	Name       string   `json:"name"`
	ListenPort int      `json:"listen_port"`
	PublicKey  string   `json:"public_key"`
	Networks   []string `json:"networks,omitempty"`
	PeersCount int      `json:"peers_count"`
}

// Peer — пир в представлении control plane. PrivateKey приходит
// только в ответе на создание и больше никогда.
type Peer struct {
	Name              string           `json:"name,omitempty"`
	PrivateKey        string           `json:"private_key,omitempty"`
	PublicKey         string           `json:"public_key"`
	URLSafePublicKey  string           `json:"url_safe_public_key,omitempty"`
	PresharedKey      string           `json:"preshared_key,omitempty"`
	AllowedIPs        []string         `json:"allowed_ips"`
	Endpoint          string           `json:"endpoint,omitempty"`
	Keepalive         KeepaliveSeconds `json:"persistent_keepalive_interval,omitempty"`
	Enabled           *bool            `json:"enabled,omitempty"`
	LastHandshakeTime string           `json:"last_handshake_time,omitempty"`
}

// CreatePeerRequest — тело POST /v1/devices/{name}/peers/.
type CreatePeerRequest struct {
	Name         string           `json:"name,omitempty"`
	PublicKey    string           `json:"public_key,omitempty"`
	PresharedKey string           `json:"preshared_key,omitempty"`
	AllowedIPs   []string         `json:"allowed_ips"`
	Endpoint     string           `json:"endpoint,omitempty"`
	Keepalive    KeepaliveSeconds `json:"persistent_keepalive_interval,omitempty"`
}

// KeepaliveSeconds терпимо разбирает keepalive: число, числовая
// строка или Go-duration ("25", "\"25\"", "\"25s\"").
type KeepaliveSeconds int

func (k *KeepaliveSeconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*k = 0
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	if s == "" {
		*k = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*k = KeepaliveSeconds(n)
		return nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		*k = KeepaliveSeconds(int(d.Seconds()))
		return nil
	}
	return fmt.Errorf("wgrest: invalid keepalive value %q", s)
}

func (k KeepaliveSeconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(k))), nil
}

// IsEnabled: отсутствие флага означает «включен».
func (p *Peer) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// URLSafeKey переводит base64-ключ в url-safe форму для путей API.
func URLSafeKey(publicKey string) string {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return publicKey
	}
	return base64.URLEncoding.EncodeToString(raw)
}
