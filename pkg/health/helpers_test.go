package health

import "github.com/nimburion/redlock/pkg/redlock"

func toStores(fakes []*fakeStore) []redlock.Store {
	stores := make([]redlock.Store, 0, len(fakes))
	for _, fake := range fakes {
		stores = append(stores, fake)
	}
	return stores
}
