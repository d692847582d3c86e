package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wgsync/config"
	"wgsync/internal/logs"
	"wgsync/internal/metrics"
	"wgsync/internal/models"
	"wgsync/internal/repo"
	"wgsync/internal/secrets"
	"wgsync/internal/wgconf"
	"wgsync/internal/wgrest"
)

// ControlPlane — срез клиента wgrest: публикация пиров и сверка
// результата восстановления.
type ControlPlane interface {
	CreatePeer(ctx context.Context, device string, req wgrest.CreatePeerRequest) (*wgrest.Peer, error)
	ListPeers(ctx context.Context, device string) ([]wgrest.Peer, error)
}

// Options управляет побочными эффектами восстановления.
type Options struct {
	WriteFiles bool // писать <conf_dir>/<iface>.conf (0600)
	Republish  bool // заново создать пиров через control plane
}

// Исходы повторной публикации одного пира.
const (
	OutcomeCreated = "created"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// PeerOutcome — результат republish одного пира.
type PeerOutcome struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Result    string `json:"result"`
	Detail    string `json:"detail,omitempty"`
}

// Report — итог восстановления одного интерфейса.
type Report struct {
	Interface   string        `json:"interface"`
	PeerCount   int           `json:"peer_count"` // enabled-пиры, попавшие в конфиг
	Config      string        `json:"-"`
	Path        string        `json:"path,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Republished []PeerOutcome `json:"republished,omitempty"`
}

// Reconstructor — обратный путь синхронизации: из БД обратно в
// conf-файлы и control plane. БД при этом только читается, не считая
// строки журнала о факте восстановления.
type Reconstructor struct {
	store  *repo.Store
	cipher *secrets.Cipher
	api    ControlPlane
	cfg    *config.Config
	log    *logrus.Entry
}

func NewReconstructor(store *repo.Store, cipher *secrets.Cipher, api ControlPlane, cfg *config.Config) *Reconstructor {
	return &Reconstructor{store: store, cipher: cipher, api: api, cfg: cfg, log: logs.Component("restore")}
}

// Restore восстанавливает один интерфейс и журналирует результат.
func (r *Reconstructor) Restore(ctx context.Context, name string, opts Options) (*Report, error) {
	iface, err := r.store.Interfaces.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	rep, err := r.restoreOne(ctx, iface, opts)
	if err != nil {
		return rep, err
	}
	r.journal(ctx, map[string]int{name: rep.PeerCount})
	return rep, nil
}

// RestoreAll восстанавливает все известные интерфейсы. Отказ одного
// не останавливает остальные; журналируется один суммарный прогон.
func (r *Reconstructor) RestoreAll(ctx context.Context, opts Options) ([]*Report, error) {
	ifaces, err := r.store.Interfaces.List(ctx)
	if err != nil {
		return nil, err
	}

	var reports []*Report
	var failed []string
	counts := map[string]int{}
	for i := range ifaces {
		rep, err := r.restoreOne(ctx, &ifaces[i], opts)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			r.log.WithError(err).WithField("iface", ifaces[i].Name).Error("interface restore failed")
			failed = append(failed, ifaces[i].Name)
			continue
		}
		counts[ifaces[i].Name] = rep.PeerCount
		if opts.Republish {
			r.verifyRepublished(ctx, rep)
		}
	}

	r.journal(ctx, counts)
	if len(failed) > 0 {
		return reports, fmt.Errorf("restore failed for %s", strings.Join(failed, ", "))
	}
	return reports, nil
}

// RenderConfig отдаёт текст конфига без побочных эффектов (dry-run).
func (r *Reconstructor) RenderConfig(ctx context.Context, name string) (string, error) {
	iface, err := r.store.Interfaces.GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	rep, err := r.restoreOne(ctx, iface, Options{})
	if err != nil {
		return "", err
	}
	return rep.Config, nil
}

func (r *Reconstructor) restoreOne(ctx context.Context, iface *models.Interface, opts Options) (*Report, error) {
	peers, err := r.store.Peers.ListEnabledByInterface(ctx, iface.Name)
	if err != nil {
		return nil, err
	}
	rep := &Report{Interface: iface.Name, PeerCount: len(peers)}

	dev := &wgconf.Device{Interface: wgconf.Interface{Address: iface.Address}}
	if iface.ListenPort != 0 {
		dev.Interface.ListenPort = strconv.Itoa(iface.ListenPort)
	}
	dev.Interface.PrivateKey = r.interfaceKey(ctx, iface, rep)

	for i := range peers {
		p := &peers[i]
		wp := wgconf.Peer{
			PublicKey:  p.PublicKey,
			AllowedIPs: p.AllowedIPList(),
			Endpoint:   p.Endpoint,
		}
		if p.PersistentKeepalive > 0 {
			wp.PersistentKeepalive = strconv.Itoa(p.PersistentKeepalive)
		}
		if psk, ok := r.usableSecret("peer_preshared_key", p.PresharedKey); ok {
			wp.PresharedKey = psk
		} else {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("peer %s: preshared key token is not decryptable, line omitted", p.PublicKey))
		}
		dev.Peers = append(dev.Peers, wp)
	}
	rep.Config = wgconf.Render(dev)

	if opts.WriteFiles {
		path := filepath.Join(r.cfg.WireGuard.ConfDir, iface.Name+".conf")
		if err := os.WriteFile(path, []byte(rep.Config), 0o600); err != nil {
			return rep, fmt.Errorf("write %s: %w", path, err)
		}
		rep.Path = path
		r.log.WithFields(logrus.Fields{"iface": iface.Name, "path": path, "peers": rep.PeerCount}).Info("conf file restored")
	}
	if opts.Republish {
		if err := r.republish(ctx, iface.Name, peers, rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// interfaceKey достаёт приватный ключ интерфейса: сначала строка
// interfaces, затем резервная копия server_keys.
func (r *Reconstructor) interfaceKey(ctx context.Context, iface *models.Interface, rep *Report) string {
	if key, ok := r.usableSecret("interface_private_key", iface.PrivateKey); ok && key != "" {
		return key
	} else if !ok {
		rep.Warnings = append(rep.Warnings, "interface private key token is not decryptable")
	}
	sk, err := r.store.ServerKeys.Get(ctx, iface.Name)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			r.log.WithError(err).WithField("iface", iface.Name).Error("server_keys lookup failed")
		}
		rep.Warnings = append(rep.Warnings, "no usable private key, PrivateKey line omitted")
		return ""
	}
	if key, ok := r.usableSecret("server_key", sk.PrivateKey); ok && key != "" {
		r.log.WithField("iface", iface.Name).Info("private key recovered from server_keys backup")
		return key
	}
	rep.Warnings = append(rep.Warnings, "no usable private key, PrivateKey line omitted")
	return ""
}

// republish заново создаёт пиров в control plane. Постоянные отказы
// (включая «уже существует») пропускают пира; транзиентный отказ
// после ретраев прерывает восстановление.
func (r *Reconstructor) republish(ctx context.Context, device string, peers []models.Peer, rep *Report) error {
	m := metrics.Default()
	for i := range peers {
		p := &peers[i]
		req := wgrest.CreatePeerRequest{
			Name:       p.Name,
			PublicKey:  p.PublicKey,
			AllowedIPs: p.AllowedIPList(),
			Endpoint:   p.Endpoint,
			Keepalive:  wgrest.KeepaliveSeconds(p.PersistentKeepalive),
		}
		if psk, ok := r.usableSecret("peer_preshared_key", p.PresharedKey); ok {
			req.PresharedKey = psk
		}

		outcome := PeerOutcome{Name: p.Name, PublicKey: p.PublicKey}
		_, err := r.api.CreatePeer(ctx, device, req)
		switch {
		case err == nil:
			outcome.Result = OutcomeCreated
		case wgrest.IsPermanent(err):
			outcome.Result = OutcomeSkipped
			outcome.Detail = err.Error()
		default:
			outcome.Result = OutcomeFailed
			outcome.Detail = err.Error()
		}
		rep.Republished = append(rep.Republished, outcome)
		m.RestoredPeers.WithLabelValues(outcome.Result).Inc()
		if outcome.Result == OutcomeFailed {
			return fmt.Errorf("republish %s/%s: %w", device, p.PublicKey, err)
		}
	}
	return nil
}

// verifyRepublished сверяет восстановленный интерфейс с control plane:
// число пиров там должно сойтись с числом восстановленных. Расхождение
// попадает в предупреждения отчёта, восстановление оно не отменяет.
func (r *Reconstructor) verifyRepublished(ctx context.Context, rep *Report) {
	live, err := r.api.ListPeers(ctx, rep.Interface)
	if err != nil {
		rep.Warnings = append(rep.Warnings, "verification: peer listing failed: "+err.Error())
		return
	}
	if len(live) != rep.PeerCount {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("verification: control plane reports %d peers, expected %d", len(live), rep.PeerCount))
		r.log.WithFields(logrus.Fields{"iface": rep.Interface, "live": len(live), "expected": rep.PeerCount}).Warn("restore verification mismatch")
	}
}

// usableSecret — открытый текст секрета и признак пригодности.
// Недешифруемый токен непригоден; legacy-значение без префикса
// пригодно как есть.
func (r *Reconstructor) usableSecret(field, value string) (string, bool) {
	if value == "" {
		return "", true
	}
	dec, outcome := r.cipher.Decrypt(value)
	if outcome != secrets.UnchangedFallback {
		return dec, true
	}
	metrics.Default().DecryptFallbacks.WithLabelValues(field).Inc()
	if secrets.IsToken(value) {
		return "", false
	}
	return dec, true
}

func (r *Reconstructor) journal(ctx context.Context, counts map[string]int) {
	row := &models.SyncStatus{LastSync: time.Now().UTC(), Status: models.SyncRestored}
	row.SetCounts(counts)
	if err := r.store.SyncLog.Append(ctx, row); err != nil {
		r.log.WithError(err).Error("sync_status append failed")
	}
}
