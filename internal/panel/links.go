package panel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// streamInfo is the slice of an inbound's streamSettings that link building
// needs. The blob arrives as a JSON string inside the inbound.
type streamInfo struct {
	Network    string
	Security   string
	SNI        string
	Path       string
	HostHeader string
	ServiceN   string
	PublicKey  string
	ShortID    string
	Fingerprnt string
	Flow       string
}

func parseStreamSettings(raw string) streamInfo {
	info := streamInfo{Network: "tcp", Security: "none"}
	if raw == "" {
		return info
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return info
	}

	if v := getString(m, "network"); v != "" {
		info.Network = v
	}
	if v := getString(m, "security"); v != "" {
		info.Security = v
	}

	if tlsS, ok := m["tlsSettings"].(map[string]interface{}); ok {
		info.SNI = getString(tlsS, "serverName")
	}
	if realS, ok := m["realitySettings"].(map[string]interface{}); ok {
		if info.SNI == "" {
			if names, ok := realS["serverNames"].([]interface{}); ok && len(names) > 0 {
				if s, ok := names[0].(string); ok {
					info.SNI = s
				}
			}
		}
		if settings, ok := realS["settings"].(map[string]interface{}); ok {
			info.PublicKey = getString(settings, "publicKey")
			info.Fingerprnt = getString(settings, "fingerprint")
		}
		if ids, ok := realS["shortIds"].([]interface{}); ok && len(ids) > 0 {
			if s, ok := ids[0].(string); ok {
				info.ShortID = s
			}
		}
	}

	switch info.Network {
	case "ws":
		if wsS, ok := m["wsSettings"].(map[string]interface{}); ok {
			info.Path = getString(wsS, "path")
			if headers, ok := wsS["headers"].(map[string]interface{}); ok {
				info.HostHeader = getString(headers, "Host")
			}
		}
	case "grpc":
		if grpcS, ok := m["grpcSettings"].(map[string]interface{}); ok {
			info.ServiceN = getString(grpcS, "serviceName")
		}
	case "tcp":
		if tcpS, ok := m["tcpSettings"].(map[string]interface{}); ok {
			if header, ok := tcpS["header"].(map[string]interface{}); ok {
				if req, ok := header["request"].(map[string]interface{}); ok {
					if headers, ok := req["headers"].(map[string]interface{}); ok {
						if hosts, ok := headers["Host"].([]interface{}); ok && len(hosts) > 0 {
							if s, ok := hosts[0].(string); ok {
								info.HostHeader = s
							}
						}
					}
					if paths, ok := req["path"].([]interface{}); ok && len(paths) > 0 {
						if s, ok := paths[0].(string); ok {
							info.Path = s
						}
					}
				}
			}
		}
	}

	return info
}

// resolveConnectHost picks the address clients should dial. Preference:
// subscription base host, then the inbound's Host header, then the SNI, and
// finally the panel's own host.
func resolveConnectHost(info streamInfo, panelURL, subBase string) string {
	if subBase != "" {
		if u, err := url.Parse(subBase); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if info.HostHeader != "" {
		return info.HostHeader
	}
	if info.SNI != "" {
		return info.SNI
	}
	if u, err := url.Parse(panelURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return panelURL
}

// buildLinks produces the connection URIs for a client on an inbound. The
// remark becomes the link label.
func buildLinks(inb *Inbound, c *Client, panelURL, subBase string) []string {
	info := parseStreamSettings(inb.StreamSettings)
	host := resolveConnectHost(info, panelURL, subBase)
	label := c.Email
	if inb.Remark != "" {
		label = fmt.Sprintf("%s-%s", inb.Remark, c.Email)
	}

	switch strings.ToLower(inb.Protocol) {
	case "vless":
		return []string{buildVlessLink(info, host, inb.Port, c, label)}
	case "vmess":
		return []string{buildVmessLink(info, host, inb.Port, c, label)}
	case "trojan":
		return []string{buildTrojanLink(info, host, inb.Port, c, label)}
	}
	return nil
}

func buildVlessLink(info streamInfo, host string, port int, c *Client, label string) string {
	q := url.Values{}
	q.Set("type", info.Network)
	q.Set("security", info.Security)

	switch info.Network {
	case "ws":
		if info.Path != "" {
			q.Set("path", info.Path)
		}
		if info.HostHeader != "" {
			q.Set("host", info.HostHeader)
		}
	case "grpc":
		if info.ServiceN != "" {
			q.Set("serviceName", info.ServiceN)
		}
	}

	switch info.Security {
	case "tls":
		if info.SNI != "" {
			q.Set("sni", info.SNI)
		}
	case "reality":
		if info.SNI != "" {
			q.Set("sni", info.SNI)
		}
		if info.PublicKey != "" {
			q.Set("pbk", info.PublicKey)
		}
		if info.ShortID != "" {
			q.Set("sid", info.ShortID)
		}
		if info.Fingerprnt != "" {
			q.Set("fp", info.Fingerprnt)
		}
	}

	flow := c.Flow
	if flow == "" {
		flow = info.Flow
	}
	if flow != "" {
		q.Set("flow", flow)
	}

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		c.ID, host, port, q.Encode(), url.PathEscape(label))
}

func buildVmessLink(info streamInfo, host string, port int, c *Client, label string) string {
	tlsVal := ""
	if info.Security == "tls" {
		tlsVal = "tls"
	}
	obj := map[string]interface{}{
		"v":    "2",
		"ps":   label,
		"add":  host,
		"port": port,
		"id":   c.ID,
		"aid":  "0",
		"net":  info.Network,
		"type": "none",
		"host": info.HostHeader,
		"path": info.Path,
		"tls":  tlsVal,
		"sni":  info.SNI,
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(raw)
}

func buildTrojanLink(info streamInfo, host string, port int, c *Client, label string) string {
	q := url.Values{}
	q.Set("type", info.Network)
	q.Set("security", info.Security)
	if info.SNI != "" {
		q.Set("sni", info.SNI)
	}
	if info.Network == "ws" && info.Path != "" {
		q.Set("path", info.Path)
	}
	return fmt.Sprintf("trojan://%s@%s:%d?%s#%s",
		c.Secret(), host, port, q.Encode(), url.PathEscape(label))
}

// buildSubLink builds the subscription URL for a client. subBase wins over
// the panel origin when set.
func buildSubLink(panelURL, subBase, subID, name string) string {
	if subID == "" {
		return ""
	}
	base := strings.TrimRight(subBase, "/")
	if base == "" {
		u, err := url.Parse(panelURL)
		if err != nil {
			return ""
		}
		base = u.Scheme + "://" + u.Host
	}
	link := fmt.Sprintf("%s/sub/%s", base, subID)
	if name != "" {
		link += "?name=" + url.QueryEscape(name)
	}
	return link
}
