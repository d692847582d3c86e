package wgconf

import (
	"fmt"
	"strings"
)

// Device — разобранный конфиг интерфейса: секция [Interface] и
// ноль или больше секций [Peer].
type Device struct {
	Interface Interface
	Peers     []Peer
}

// Pair — неизвестный ключ, сохранённый как есть (round-trip).
type Pair struct {
	Key   string
	Value string
}

// Interface — известные поля секции [Interface] плюс прочие ключи
// в порядке первого появления.
type Interface struct {
	Address    string
	ListenPort string
	PrivateKey string
	Extra      []Pair
}

// Peer — известные поля секции [Peer] плюс прочие ключи.
type Peer struct {
	PublicKey           string
	PresharedKey        string
	AllowedIPs          []string
	Endpoint            string
	PersistentKeepalive string
	Extra               []Pair
}

// ParseError — ошибка разбора с номером строки.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config parse error at line %d: %s", e.Line, e.Msg)
}

type sectionKind int

const (
	sectionNone sectionKind = iota
	sectionInterface
	sectionPeer
)

// Parse разбирает текст конфига. Ключи матчатся без учёта регистра,
// значения берутся дословно до конца строки. Строки-комментарии (#, ;)
// и пустые строки пропускаются. Неизвестные ключи сохраняются.
func Parse(text string) (*Device, error) {
	dev := &Device{}
	cur := sectionNone

	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, &ParseError{Line: i + 1, Msg: "unterminated section header"}
			}
			switch strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])) {
			case "interface":
				cur = sectionInterface
			case "peer":
				cur = sectionPeer
				dev.Peers = append(dev.Peers, Peer{})
			default:
				return nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("unknown section %s", line)}
			}
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, &ParseError{Line: i + 1, Msg: fmt.Sprintf("expected key = value, got %q", line)}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, &ParseError{Line: i + 1, Msg: "empty key"}
		}

		switch cur {
		case sectionNone:
			return nil, &ParseError{Line: i + 1, Msg: "key/value before any section"}
		case sectionInterface:
			dev.Interface.set(key, value)
		case sectionPeer:
			dev.Peers[len(dev.Peers)-1].set(key, value)
		}
	}
	return dev, nil
}

func (s *Interface) set(key, value string) {
	switch strings.ToLower(key) {
	case "address":
		s.Address = value
	case "listenport":
		s.ListenPort = value
	case "privatekey":
		s.PrivateKey = value
	default:
		s.Extra = append(s.Extra, Pair{Key: key, Value: value})
	}
}

func (p *Peer) set(key, value string) {
	switch strings.ToLower(key) {
	case "publickey":
		p.PublicKey = value
	case "presharedkey":
		p.PresharedKey = value
	case "allowedips":
		p.AllowedIPs = splitList(value)
	case "endpoint":
		p.Endpoint = value
	case "persistentkeepalive":
		p.PersistentKeepalive = value
	default:
		p.Extra = append(p.Extra, Pair{Key: key, Value: value})
	}
}

// splitList принимает и "a, b", и "a,b".
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Render сериализует конфиг в канонический текст: фиксированный
// порядок известных полей, затем прочие ключи в порядке появления.
// Один и тот же логический вход всегда даёт побайтово одинаковый
// результат — на этом держится детект изменений без ложных
// срабатываний.
func Render(dev *Device) string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	writeKV(&b, "Address", dev.Interface.Address)
	writeKV(&b, "ListenPort", dev.Interface.ListenPort)
	writeKV(&b, "PrivateKey", dev.Interface.PrivateKey)
	for _, kv := range dev.Interface.Extra {
		writeKV(&b, kv.Key, kv.Value)
	}

	for i := range dev.Peers {
		p := &dev.Peers[i]
		b.WriteString("\n[Peer]\n")
		writeKV(&b, "PublicKey", p.PublicKey)
		writeKV(&b, "PresharedKey", p.PresharedKey)
		writeKV(&b, "AllowedIPs", strings.Join(p.AllowedIPs, ", "))
		writeKV(&b, "Endpoint", p.Endpoint)
		writeKV(&b, "PersistentKeepalive", p.PersistentKeepalive)
		for _, kv := range p.Extra {
			writeKV(&b, kv.Key, kv.Value)
		}
	}
	return b.String()
}

func writeKV(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s = %s\n", key, value)
}
