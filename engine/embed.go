package engine

import (
	"context"
	"fmt"

	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// embedValue flattens an Embedded or EmbeddedCollection value of owner into
// map[string]any, or a []any of such maps.
func (p *Persister[K, E]) embedValue(owner *mapping.Entity, prop *mapping.Property, v any) (any, error) {
	target, err := p.session.registry.Target(owner, prop)
	if err != nil {
		return nil, err
	}
	if prop.Kind == mapping.Embedded {
		if v == nil {
			return nil, nil
		}
		return p.flatten(target, v)
	}
	elems, ok := coerce.Elements(v)
	if !ok || elems == nil {
		return nil, nil
	}
	out := make([]any, 0, len(elems))
	for _, elem := range elems {
		m, err := p.flatten(target, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Persister[K, E]) flatten(target *mapping.Entity, sub any) (map[string]any, error) {
	s := p.session
	m := make(map[string]any)
	if rt, ok := s.registry.ForObject(sub); ok && rt != target && s.registry.IsSubtypeOf(rt, target) {
		target = rt
		m[s.config.DiscriminatorKey] = rt.DiscriminatorValue()
	}
	for _, sp := range target.Properties {
		var v any
		var err error
		switch sp.Kind {
		case mapping.Simple, mapping.Basic:
			v = coerce.Normalize(sp.Get(sub))
		case mapping.Custom:
			v, err = marshal(sp, sp.Get(sub))
		case mapping.Embedded, mapping.EmbeddedCollection:
			v, err = p.embedValue(target, sp, sp.Get(sub))
		case mapping.ToOne:
			v, err = p.embeddedReference(target, sp, sp.Get(sub))
		default:
			return nil, mapping.UnsupportedKind(target, sp)
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", target.Name, sp.Name, err)
		}
		if v != nil {
			m[sp.StorageKeyName()] = v
		}
	}
	return m, nil
}

// embeddedReference stores the key of an embedded object's to-one target.
func (p *Persister[K, E]) embeddedReference(owner *mapping.Entity, prop *mapping.Property, v any) (any, error) {
	assoc, ref := associated(v)
	if assoc == nil {
		if ref != nil && !ref.Loaded() {
			return ref.Key(), nil
		}
		return nil, nil
	}
	target, err := p.session.registry.Target(owner, prop)
	if err != nil {
		return nil, err
	}
	if rt, ok := p.session.registry.ForObject(assoc); ok {
		target = rt
	}
	k, known, err := p.session.keyOf(target, assoc)
	if err != nil || !known {
		return nil, err
	}
	return k, nil
}

// unflatten rebuilds an embedded object from its flattened map.
func (p *Persister[K, E]) unflatten(ctx context.Context, owner *mapping.Entity, prop *mapping.Property, m map[string]any) (any, error) {
	s := p.session
	target, err := s.registry.Target(owner, prop)
	if err != nil {
		return nil, err
	}
	if d, ok := m[s.config.DiscriminatorKey]; ok {
		if name, err := coerce.String(d); err == nil {
			if sub, ok := s.registry.Discriminate(target, name); ok {
				target = sub
			}
		}
	}
	obj := target.New()
	for _, sp := range target.Properties {
		raw, ok := m[sp.StorageKeyName()]
		if !ok || raw == nil {
			continue
		}
		if err := p.populateEmbedded(ctx, target, sp, obj, raw); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", target.Name, sp.Name, err)
		}
	}
	return obj, nil
}

func (p *Persister[K, E]) populateEmbedded(ctx context.Context, target *mapping.Entity, sp *mapping.Property, obj, raw any) error {
	switch sp.Kind {
	case mapping.Simple, mapping.Basic:
		return sp.Set(obj, raw)
	case mapping.Custom:
		v, err := unmarshal(sp, raw)
		if err != nil {
			return err
		}
		return sp.Set(obj, v)
	case mapping.Embedded, mapping.EmbeddedCollection:
		v, err := p.embeddedFromStored(ctx, target, sp, raw)
		if err != nil || v == nil {
			return err
		}
		return sp.Set(obj, v)
	case mapping.ToOne:
		tgt, err := p.session.registry.Target(target, sp)
		if err != nil {
			return err
		}
		tp, err := p.session.persisterFor(tgt)
		if err != nil {
			return err
		}
		key, err := p.session.nativeKey(tgt.FamilyName(), raw)
		if err != nil {
			return err
		}
		if ref := sp.NewReference(); ref != nil {
			ref.Defer(key, tp.lazyLoader(ctx, key))
			return sp.Set(obj, ref)
		}
		assoc, err := tp.retrieveByKey(ctx, key)
		if err != nil || assoc == nil {
			return err
		}
		return sp.Set(obj, assoc)
	}
	return mapping.UnsupportedKind(target, sp)
}

// embeddedFromStored decodes a stored Embedded map or EmbeddedCollection list.
func (p *Persister[K, E]) embeddedFromStored(ctx context.Context, owner *mapping.Entity, prop *mapping.Property, raw any) (any, error) {
	if prop.Kind == mapping.Embedded {
		m, ok := coerce.Entries(raw)
		if !ok || m == nil {
			return nil, nil
		}
		return p.unflatten(ctx, owner, prop, m)
	}
	elems, ok := coerce.Elements(raw)
	if !ok || elems == nil {
		return nil, nil
	}
	out := make([]any, 0, len(elems))
	for _, elem := range elems {
		m, ok := coerce.Entries(elem)
		if !ok || m == nil {
			continue
		}
		obj, err := p.unflatten(ctx, owner, prop, m)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// storedEmbedded rebuilds a stored Embedded map or EmbeddedCollection list in
// the form flatten produces. Backends that encode times or keys as text read
// them back as strings.
func (p *Persister[K, E]) storedEmbedded(owner *mapping.Entity, prop *mapping.Property, raw any) any {
	target, err := p.session.registry.Target(owner, prop)
	if err != nil {
		return raw
	}
	if prop.Kind == mapping.Embedded {
		m, ok := coerce.Entries(raw)
		if !ok || m == nil {
			return raw
		}
		return p.storedFlat(target, m)
	}
	elems, ok := coerce.Elements(raw)
	if !ok || elems == nil {
		return raw
	}
	out := make([]any, len(elems))
	for i, elem := range elems {
		out[i] = elem
		if m, ok := coerce.Entries(elem); ok && m != nil {
			out[i] = p.storedFlat(target, m)
		}
	}
	return out
}

func (p *Persister[K, E]) storedFlat(target *mapping.Entity, m map[string]any) map[string]any {
	s := p.session
	if d, ok := m[s.config.DiscriminatorKey]; ok {
		if name, err := coerce.String(d); err == nil {
			if sub, ok := s.registry.Discriminate(target, name); ok {
				target = sub
			}
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, sp := range target.Properties {
		key := sp.StorageKeyName()
		raw, ok := m[key]
		if !ok || raw == nil {
			continue
		}
		switch sp.Kind {
		case mapping.Simple, mapping.Basic:
			if v, err := sp.Convert(raw); err == nil {
				out[key] = coerce.Normalize(v)
			}
		case mapping.Custom:
			if v, err := unmarshal(sp, raw); err == nil {
				if native, err := marshal(sp, v); err == nil {
					out[key] = native
				}
			}
		case mapping.Embedded, mapping.EmbeddedCollection:
			out[key] = p.storedEmbedded(target, sp, raw)
		case mapping.ToOne:
			if tgt, err := s.registry.Target(target, sp); err == nil {
				if k, err := s.nativeKey(tgt.FamilyName(), raw); err == nil {
					out[key] = k
				}
			}
		}
	}
	return out
}

func unmarshal(prop *mapping.Property, native any) (any, error) {
	if prop.Marshaller == nil {
		return native, nil
	}
	return prop.Marshaller.Unmarshal(native)
}
