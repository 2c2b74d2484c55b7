package store

import "tradenet/p2p/payload"

// Service is one typed payload store.
type Service interface {
	Name() string
	// CanHandle reports whether p belongs in this store.
	CanHandle(p payload.Payload) bool
	// Map returns a snapshot of the entries visible to local readers.
	Map() map[ByteArray]payload.Payload
	Contains(key ByteArray) bool
	// Put stores p unless key is already known. It reports whether p was added.
	Put(key ByteArray, p payload.Payload) bool
	Len() int
	ReadPersisted() error
	// Persist requests an asynchronous write.
	Persist()
	Shutdown() error
}

// VersionedService is a store whose data is split into a live tier and
// immutable historical tiers bound to release versions.
type VersionedService interface {
	Service
	MapOfLiveData() map[ByteArray]payload.Payload
	MapOfAllData() map[ByteArray]payload.Payload
	// MapSinceVersion returns the live tier plus every historical tier with a
	// version strictly newer than version. An empty version selects all tiers.
	MapSinceVersion(version string) map[ByteArray]payload.Payload
}
