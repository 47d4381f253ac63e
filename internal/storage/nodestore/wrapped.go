package nodestore

// WrappedDB passes every call through to an inner DB but reports a tagged
// name and identity. Registries keyed by backend name treat a WrappedDB as a
// different backend, which lets tests keep isolated default storages over the
// same adapter type.
type WrappedDB struct {
	DB
	tag string
}

// Wrap tags db.
func Wrap(db DB, tag string) *WrappedDB {
	return &WrappedDB{DB: db, tag: tag}
}

// Name returns "<tag>/<inner name>".
func (w *WrappedDB) Name() string {
	return w.tag + "/" + w.DB.Name()
}

// ID returns "<tag>/<inner id>".
func (w *WrappedDB) ID() string {
	return w.tag + "/" + w.DB.ID()
}

// Tag returns the wrapper's tag.
func (w *WrappedDB) Tag() string {
	return w.tag
}

// Unwrap returns the inner DB.
func (w *WrappedDB) Unwrap() DB {
	return w.DB
}
