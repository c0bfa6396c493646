package panel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnshop/internal/models"
)

func TestFactoryDispatch(t *testing.T) {
	f := NewFactory(zap.NewNop())

	cases := []struct {
		panelType string
		want      string
	}{
		{models.PanelTypeMarzban, models.PanelTypeMarzban},
		{models.PanelTypeMarzneshin, models.PanelTypeMarzneshin},
		{models.PanelTypeXUI, models.PanelTypeXUI},
		{models.PanelType3XUI, models.PanelType3XUI},
		{models.PanelTypeTXUI, models.PanelTypeTXUI},
		// pasarguard is a marzban rebrand; unknown types get the same fallback
		{models.PanelTypePasarguard, models.PanelTypeMarzban},
		{"something-new", models.PanelTypeMarzban},
	}
	for i, tc := range cases {
		api := f.Get(&models.Panel{
			ID:   uint(i + 1),
			Type: tc.panelType,
			URL:  "https://panel.example.com",
		})
		require.NotNil(t, api)
		assert.Equal(t, tc.want, api.PanelType(), "type %s", tc.panelType)
	}
}

func TestFactoryRequestTimeout(t *testing.T) {
	f := NewFactory(zap.NewNop()).WithRequestTimeout(5 * time.Second)

	api := f.Get(&models.Panel{ID: 30, Type: models.PanelType3XUI, URL: "https://panel.example.com"})
	x, ok := api.(*XUIClient)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, x.http.Raw().GetClient().Timeout)

	api = f.Get(&models.Panel{ID: 31, Type: models.PanelTypeMarzban, URL: "https://panel.example.com"})
	m, ok := api.(*MarzbanClient)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, m.http.Raw().GetClient().Timeout)
}

func TestFactoryCachesAdapters(t *testing.T) {
	f := NewFactory(zap.NewNop())
	p := &models.Panel{ID: 1, Type: models.PanelType3XUI, URL: "https://a.example.com", Username: "admin"}

	first := f.Get(p)
	second := f.Get(p)
	assert.Same(t, first, second, "same connection fields reuse the adapter")

	// changing a connection field yields a fresh adapter
	edited := *p
	edited.URL = "https://b.example.com"
	assert.NotSame(t, first, f.Get(&edited))

	f.Invalidate(p)
	assert.NotSame(t, first, f.Get(p))
}
