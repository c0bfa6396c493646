package panel

import (
	"fmt"
	"sync"
)

// inboundLocks serializes mutations per (panel, inbound). The X-UI update
// flow reads the whole settings blob, edits it, and writes it back, so two
// concurrent writers on the same inbound would silently drop each other's
// clients.
var inboundLocks sync.Map

func lockInbound(panelID uint, inboundID int) func() {
	key := fmt.Sprintf("%d:%d", panelID, inboundID)
	v, _ := inboundLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
