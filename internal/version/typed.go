package version

// Typed is a view of a Tracker for one entity type with identities of a
// single concrete type.
type Typed[I comparable] struct {
	tracker    *Tracker
	entityType string
}

// For returns a typed view over t for entityType.
func For[I comparable](t *Tracker, entityType string) Typed[I] {
	return Typed[I]{tracker: t, entityType: entityType}
}

// VersionFor returns the cached version for id.
func (v Typed[I]) VersionFor(id I) (Version, bool) {
	return v.tracker.VersionFor(v.entityType, id)
}

// StoreVersion records ver for id.
func (v Typed[I]) StoreVersion(id I, ver Version) {
	v.tracker.StoreVersion(v.entityType, id, ver)
}

// ClearVersion removes the entry for id.
func (v Typed[I]) ClearVersion(id I) {
	v.tracker.ClearVersion(v.entityType, id)
}

// StoreIfNewer stores ver for id when it supersedes the cached version.
func (v Typed[I]) StoreIfNewer(id I, ver Version) bool {
	return v.tracker.StoreIfNewer(v.entityType, id, ver)
}
