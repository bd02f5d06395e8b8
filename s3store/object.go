package s3store

// Object is a native s3store entry: the decoded JSON body of one entry
// object and the ETag it was read or written with.
type Object struct {
	Fields map[string]any

	ETag      string
	CreatedAt string
	UpdatedAt string
}

func newObject() *Object {
	return &Object{Fields: make(map[string]any)}
}
