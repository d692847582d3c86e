package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Статусы записей sync_status.
const (
	SyncCompleted = "completed"
	SyncPartial   = "partial"
	SyncFailed    = "failed"
	SyncRestored  = "restored"
)

// Interface — один VPN-эндпоинт хоста (wg0, wg1, ...).
// PrivateKey хранится только в зашифрованном виде (SecretCipher).
type Interface struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:32;not null" json:"name"`
	PrivateKey  string    `gorm:"size:512" json:"-"`
	PublicKey   string    `gorm:"size:64" json:"public_key"`
	Address     string    `gorm:"size:64" json:"address"` // CIDR, напр. 10.10.0.1/24
	ListenPort  int       `json:"listen_port"`
	Subnet      string    `gorm:"size:64" json:"subnet"`
	Endpoint    string    `gorm:"size:255" json:"endpoint"`
	LastUpdated time.Time `json:"last_updated"`

	// каскад: удаление интерфейса (только административное) уносит его пиров
	Peers []Peer `gorm:"foreignKey:InterfaceName;references:Name;constraint:OnDelete:CASCADE" json:"-"`
}

// Peer — удалённая сторона, привязанная к интерфейсу.
// Уникальность: (interface_name, public_key). PresharedKey — шифруется,
// PrivateKey клиента control plane отдаёт только в момент создания.
type Peer struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	InterfaceName       string         `gorm:"size:32;not null;index:idx_peers_iface;index:idx_peers_iface_enabled,priority:1;uniqueIndex:uniq_peers_iface_pub,priority:1" json:"interface_name"`
	Name                string         `gorm:"size:255" json:"name"`
	PrivateKey          string         `gorm:"size:512" json:"-"`
	PublicKey           string         `gorm:"size:64;not null;uniqueIndex:uniq_peers_iface_pub,priority:2" json:"public_key"`
	AllowedIPs          datatypes.JSON `json:"allowed_ips"`
	Endpoint            string         `gorm:"size:255" json:"endpoint,omitempty"`
	PersistentKeepalive int            `json:"persistent_keepalive,omitempty"`
	// плоский bool без default-тега: gorm не пишет zero-value поверх
	// дефолта колонки, а нам false при вставке терять нельзя
	Enabled         bool       `gorm:"index:idx_peers_enabled;index:idx_peers_iface_enabled,priority:2" json:"enabled"`
	PresharedKey    string     `gorm:"size:512" json:"-"`
	LatestHandshake *time.Time `json:"latest_handshake,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AllowedIPList распаковывает JSON-колонку в срез CIDR.
func (p *Peer) AllowedIPList() []string {
	if len(p.AllowedIPs) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(p.AllowedIPs, &out); err != nil {
		return nil
	}
	return out
}

// SetAllowedIPs упаковывает срез CIDR в JSON-колонку.
func (p *Peer) SetAllowedIPs(ips []string) {
	if ips == nil {
		ips = []string{}
	}
	b, _ := json.Marshal(ips)
	p.AllowedIPs = datatypes.JSON(b)
}

// ServerKey — избыточная зашифрованная копия приватного ключа интерфейса.
// Одна строка на интерфейс; перешифровывается при каждой записи.
type ServerKey struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	InterfaceName string    `gorm:"uniqueIndex;size:32;not null" json:"interface_name"`
	PrivateKey    string    `gorm:"size:512" json:"-"`
	PublicKey     string    `gorm:"size:64" json:"public_key"`
	GeneratedAt   time.Time `gorm:"autoCreateTime" json:"generated_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SyncStatus — append-only журнал прогонов синхронизации.
// Никогда не обновляется; старые строки чистит janitor.
type SyncStatus struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	LastSync     time.Time      `gorm:"index" json:"last_sync"`
	PeerCountWG0 int            `json:"peer_count_wg0"`
	PeerCountWG1 int            `json:"peer_count_wg1"`
	Counts       datatypes.JSON `json:"counts"` // iface → число пиров (для произвольных имён)
	Status       string         `gorm:"size:32" json:"status"`
}

// TableName — историческое имя таблицы без плюрализации.
func (SyncStatus) TableName() string { return "sync_status" }

// CountMap распаковывает Counts в map iface → peers.
func (s *SyncStatus) CountMap() map[string]int {
	out := map[string]int{}
	if len(s.Counts) == 0 {
		return out
	}
	_ = json.Unmarshal(s.Counts, &out)
	return out
}

// SetCounts заполняет Counts и исторические колонки wg0/wg1.
func (s *SyncStatus) SetCounts(counts map[string]int) {
	if counts == nil {
		counts = map[string]int{}
	}
	b, _ := json.Marshal(counts)
	s.Counts = datatypes.JSON(b)
	s.PeerCountWG0 = counts["wg0"]
	s.PeerCountWG1 = counts["wg1"]
}
