package panel

import (
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vpnshop/internal/models"
)

// Factory hands out adapters for panels, caching them so sessions and
// resolved endpoints survive across calls. The cache key includes the
// connection fields: editing a panel's url or credentials yields a fresh
// adapter instead of a stale one.
type Factory struct {
	cache   *cache.Cache
	log     *zap.Logger
	timeout time.Duration
}

func NewFactory(log *zap.Logger) *Factory {
	return &Factory{
		cache: cache.New(4*time.Hour, 30*time.Minute),
		log:   log,
	}
}

// WithRequestTimeout sets the per-request timeout applied to every adapter
// the factory builds. Zero keeps the http client default.
func (f *Factory) WithRequestTimeout(d time.Duration) *Factory {
	f.timeout = d
	return f
}

// Get returns the adapter for a panel, building one on first use. Unknown
// and pasarguard panel types get the Marzban adapter: pasarguard is a
// Marzban rebrand and the Marzban surface is the safest guess for the rest.
func (f *Factory) Get(p *models.Panel) BasePanelAPI {
	key := fmt.Sprintf("%s|%d|%s|%s", p.Type, p.ID, p.URL, p.Username)
	if v, ok := f.cache.Get(key); ok {
		return v.(BasePanelAPI)
	}

	var api BasePanelAPI
	switch p.Type {
	case models.PanelTypeMarzban:
		api = NewMarzbanAPI(p, f.log).WithRequestTimeout(f.timeout)
	case models.PanelTypeMarzneshin:
		api = NewMarzneshinAPI(p, f.log).WithRequestTimeout(f.timeout)
	case models.PanelTypeXUI:
		api = NewXuiAPI(p, f.log).WithRequestTimeout(f.timeout)
	case models.PanelType3XUI:
		api = NewThreeXuiAPI(p, f.log).WithRequestTimeout(f.timeout)
	case models.PanelTypeTXUI:
		api = NewTxUiAPI(p, f.log).WithRequestTimeout(f.timeout)
	default:
		f.log.Warn("unknown panel type, using marzban adapter",
			zap.String("type", p.Type), zap.Uint("panel_id", p.ID))
		api = NewMarzbanAPI(p, f.log).WithRequestTimeout(f.timeout)
	}

	f.cache.Set(key, api, cache.DefaultExpiration)
	return api
}

// Invalidate drops the cached adapter for a panel, forcing a rebuild and
// re-login on next use.
func (f *Factory) Invalidate(p *models.Panel) {
	f.cache.Delete(fmt.Sprintf("%s|%d|%s|%s", p.Type, p.ID, p.URL, p.Username))
}
