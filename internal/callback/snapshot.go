package callback

import (
	"encoding/json"

	"github.com/pulseplan/iglink/internal/backend"
	"github.com/pulseplan/iglink/internal/store"
)

// ConnectedSnapshot returns the locally persisted view of the linkage:
// whether a connect ever succeeded, and the accounts reported at that
// time. This is the last known state, not the backend's current truth.
func ConnectedSnapshot(st *store.Store) (bool, []backend.Account, error) {
	flag, ok, err := st.Get(storeNamespace, connectedKey)
	if err != nil {
		return false, nil, err
	}
	if !ok || flag != "true" {
		return false, nil, nil
	}

	raw, ok, err := st.Get(storeNamespace, lastAccountsKey)
	if err != nil || !ok {
		return true, nil, err
	}

	var accounts []backend.Account
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		return true, nil, nil
	}
	return true, accounts, nil
}
