// Package mapping describes how entity types map onto native entries.
//
// Metadata is table driven: every persistent property is a [Property]
// descriptor built from a typed field accessor, so the engine reads and writes
// live objects without reflecting over struct fields.
//
// # Property Kinds
//
// Each property carries exactly one [Kind]:
//
//   - [Simple]: a scalar converted directly
//   - [Basic]: a list or map of scalars, converted element-wise
//   - [Custom]: an opaque value handed to a [Marshaller]
//   - [Embedded], [EmbeddedCollection]: sub-entities inlined into the owner's entry
//   - [ToOne], [OneToMany], [ManyToMany]: associations to other entities
//
// # Registry
//
// A [Registry] is built once at startup: register every entity, then call
// [Registry.Validate] to resolve associations and inheritance. After
// validation the registry is sealed and safe for concurrent reads.
//
//	reg := mapping.NewRegistry()
//	_ = reg.Register(authorEntity, bookEntity)
//	if err := reg.Validate(); err != nil {
//	    return err
//	}
package mapping
