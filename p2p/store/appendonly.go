package store

import (
	"errors"
	"log/slog"

	"tradenet/p2p/payload"
)

// AppendOnlyStore routes append-only payloads to the typed services that can
// handle them.
type AppendOnlyStore struct {
	services []Service
	logger   *slog.Logger
}

// NewAppendOnlyStore registers services in routing order.
func NewAppendOnlyStore(logger *slog.Logger, services ...Service) *AppendOnlyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppendOnlyStore{services: services, logger: logger}
}

// Services returns the registered services.
func (s *AppendOnlyStore) Services() []Service {
	return append([]Service(nil), s.services...)
}

// Service returns the service registered under name.
func (s *AppendOnlyStore) Service(name string) (Service, bool) {
	for _, svc := range s.services {
		if svc.Name() == name {
			return svc, true
		}
	}
	return nil, false
}

// Put hands p to every service accepting it and reports whether any of them
// added it.
func (s *AppendOnlyStore) Put(key ByteArray, p payload.Payload) bool {
	added := false
	handled := false
	for _, svc := range s.services {
		if !svc.CanHandle(p) {
			continue
		}
		handled = true
		if svc.Put(key, p) {
			added = true
		}
	}
	if !handled {
		s.logger.Warn("No store accepts payload", "kind", p.Kind().String())
	}
	return added
}

// Contains reports whether key is present in any tier of any service.
func (s *AppendOnlyStore) Contains(key ByteArray) bool {
	for _, svc := range s.services {
		if svc.Contains(key) {
			return true
		}
	}
	return false
}

// Map merges the maps of all services.
func (s *AppendOnlyStore) Map() map[ByteArray]payload.Payload {
	return s.merge(func(svc Service) map[ByteArray]payload.Payload { return svc.Map() })
}

// MapForDataRequest lists what a node already holds when asking a peer for
// data. Historical tiers are left out as the peer derives them from our version.
func (s *AppendOnlyStore) MapForDataRequest() map[ByteArray]payload.Payload {
	return s.merge(func(svc Service) map[ByteArray]payload.Payload {
		if v, ok := svc.(VersionedService); ok {
			return v.MapOfLiveData()
		}
		return svc.Map()
	})
}

// MapForDataResponse lists the candidates for a response to a peer running
// requesterVersion.
func (s *AppendOnlyStore) MapForDataResponse(requesterVersion string) map[ByteArray]payload.Payload {
	return s.merge(func(svc Service) map[ByteArray]payload.Payload {
		if v, ok := svc.(VersionedService); ok {
			return v.MapSinceVersion(requesterVersion)
		}
		return svc.Map()
	})
}

func (s *AppendOnlyStore) merge(view func(Service) map[ByteArray]payload.Payload) map[ByteArray]payload.Payload {
	out := make(map[ByteArray]payload.Payload)
	for _, svc := range s.services {
		for k, v := range view(svc) {
			out[k] = v
		}
	}
	return out
}

// ReadPersisted restores every service.
func (s *AppendOnlyStore) ReadPersisted() error {
	var errs []error
	for _, svc := range s.services {
		if err := svc.ReadPersisted(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes every service.
func (s *AppendOnlyStore) Shutdown() error {
	var errs []error
	for _, svc := range s.services {
		if err := svc.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
