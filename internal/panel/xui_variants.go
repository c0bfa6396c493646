package panel

import (
	"go.uber.org/zap"

	"vpnshop/internal/models"
)

// Route prefixes per vendor. Every variant keeps the siblings' prefixes as
// fallbacks because operators routinely mislabel which fork they run.
var (
	xuiAPIBases = []string{
		"/xui/API/inbounds",
		"/xui/api/inbounds",
		"/panel/api/inbounds",
		"/panel/API/inbounds",
	}
	threeXuiAPIBases = []string{
		"/panel/api/inbounds",
		"/panel/API/inbounds",
		"/xui/API/inbounds",
		"/xui/api/inbounds",
	}
	txUiAPIBases = []string{
		"/panel/api/inbounds",
		"/xui/API/inbounds",
		"/panel/API/inbounds",
		"/xui/api/inbounds",
	}
)

// NewXuiAPI creates an adapter for the original Alireza X-UI build.
func NewXuiAPI(p *models.Panel, log *zap.Logger) *XUIClient {
	return newXUIClient(p, xuiProfile{
		name:     models.PanelTypeXUI,
		apiBases: xuiAPIBases,
	}, log)
}

// NewThreeXuiAPI creates an adapter for Sanaei 3X-UI. Key rotation also
// rotates the subscription id so old sub links stop resolving.
func NewThreeXuiAPI(p *models.Panel, log *zap.Logger) *XUIClient {
	return newXUIClient(p, xuiProfile{
		name:        models.PanelType3XUI,
		apiBases:    threeXuiAPIBases,
		rotateSubID: true,
	}, log)
}

// NewTxUiAPI creates an adapter for TX-UI, a 3X-UI fork with mixed-case routes.
func NewTxUiAPI(p *models.Panel, log *zap.Logger) *XUIClient {
	return newXUIClient(p, xuiProfile{
		name:        models.PanelTypeTXUI,
		apiBases:    txUiAPIBases,
		rotateSubID: true,
	}, log)
}
