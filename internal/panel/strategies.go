package panel

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"vpnshop/internal/pkg/httpclient"
)

// attempt is one candidate request: a concrete path plus exactly one body
// encoding. Adapters build ordered attempt lists and the prober walks the
// list until one succeeds.
type attempt struct {
	Method string
	Path   string
	JSON   interface{}
	Form   map[string]string
}

// prober executes an ordered list of attempts against a panel. A 401/403
// answer triggers a single re-login followed by a retry of the same attempt.
type prober struct {
	client  *httpclient.Client
	log     *zap.Logger
	relogin func(ctx context.Context) error
}

// run walks attempts in order and returns the first successful response.
// An HTTP 200 alone is not enough: panels report failures inside a 200 body,
// so the body's own success flag is always consulted.
func (p *prober) run(ctx context.Context, op string, attempts []attempt) (*httpclient.Response, error) {
	var lastPath string
	var lastStatus int
	var lastBody []byte

	for _, a := range attempts {
		resp, err := p.do(ctx, a)
		if err != nil {
			p.log.Debug("panel request failed", zap.String("op", op), zap.String("path", a.Path), zap.Error(err))
			lastPath = a.Path
			continue
		}

		if resp.StatusCode == 401 || resp.StatusCode == 403 {
			if p.relogin != nil {
				if rerr := p.relogin(ctx); rerr == nil {
					if retried, derr := p.do(ctx, a); derr == nil {
						resp = retried
					}
				}
			}
		}

		lastPath = a.Path
		lastStatus = resp.StatusCode
		lastBody = resp.Body

		if resp.OK() && apiSuccess(resp.Body) {
			p.log.Debug("panel request ok", zap.String("op", op), zap.String("method", a.Method), zap.String("path", a.Path))
			return resp, nil
		}
	}

	return nil, &EndpointExhaustedError{
		Op:         op,
		LastPath:   lastPath,
		LastStatus: lastStatus,
		LastBody:   bodyPreview(lastBody),
	}
}

func (p *prober) do(ctx context.Context, a attempt) (*httpclient.Response, error) {
	switch a.Method {
	case "GET":
		return p.client.Get(ctx, a.Path)
	case "DELETE":
		return p.client.Delete(ctx, a.Path)
	case "PUT":
		return p.client.PutJSON(ctx, a.Path, a.JSON)
	default:
		if a.Form != nil {
			return p.client.PostForm(ctx, a.Path, a.Form)
		}
		return p.client.PostJSON(ctx, a.Path, a.JSON)
	}
}

// apiSuccess inspects the response body for the panel's own verdict. X-UI
// family answers {"success":bool,...}; some builds answer {"status":"ok"} or
// {"code":200}. A body that is not a JSON object (raw arrays, plain token
// responses) is taken at HTTP face value.
func apiSuccess(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed[0] != '{' {
		return true
	}

	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return true
	}

	if v, ok := m["success"]; ok {
		return boolFromAny(v, false)
	}
	// "status" is only a verdict when it holds one; resource objects use the
	// same key for lifecycle states like "active".
	if v, ok := m["status"]; ok {
		switch s := v.(type) {
		case string:
			switch strings.ToLower(s) {
			case "ok", "success", "200":
				return true
			case "error", "failed", "fail":
				return false
			}
		case float64:
			return s >= 200 && s < 300
		}
	}
	if v, ok := m["code"]; ok {
		if f, isNum := v.(float64); isNum {
			return f >= 200 && f < 300
		}
	}
	return true
}

// objField unwraps the payload container. X-UI family builds use "obj",
// Marzneshin paginates under "items", one fork answers "inbounds"; a body
// with no recognized container decodes as the payload itself.
func objField(body []byte, out interface{}) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return json.Unmarshal(body, out)
	}
	for _, key := range []string{"obj", "items", "inbounds"} {
		if raw, ok := envelope[key]; ok && len(raw) > 0 && string(raw) != "null" {
			return json.Unmarshal(raw, out)
		}
	}
	return json.Unmarshal(body, out)
}
