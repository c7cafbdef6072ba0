package kb

import "github.com/signalsfoundry/rt-oracle-bridge/model"

// Resolution is the outcome of mapping a position to an oracle identifier.
type Resolution struct {
	ID string
	// Matches is how many directory records matched; more than one means
	// the answer depended on scan order.
	Matches int
	// Reserved is set when the position resolved to the reserved origin id.
	Reserved bool
	// Fallback marks ids obtained by position matching rather than passed in
	// by the host.
	Fallback bool
}

// Resolved reports whether an identifier was found.
func (r Resolution) Resolved() bool { return r.ID != "" }

// Ambiguous reports whether several records matched the position.
func (r Resolution) Ambiguous() bool { return r.Matches > 1 }

// Resolver maps a host position to the identifier the oracle knows it by.
type Resolver interface {
	Resolve(pos model.Vector) Resolution
}

// PositionResolver is the position-equality lookup the oracle protocol was
// designed around:
//
//  1. the origin always resolves to model.ReservedOriginID;
//  2. otherwise every record is scanned and one whose X and Y equal the
//     query's X and Y exactly is taken, the last match in scan order winning.
//
// Positions recomputed from floating-point motion rarely equal a previously
// registered position bit for bit, so a miss is common and ties are broken by
// scan order only. Prefer passing identifiers directly.
type PositionResolver struct {
	Dir *Directory
}

// NewPositionResolver returns a resolver scanning dir.
func NewPositionResolver(dir *Directory) *PositionResolver {
	return &PositionResolver{Dir: dir}
}

// Resolve implements Resolver.
func (r *PositionResolver) Resolve(pos model.Vector) Resolution {
	if pos.IsOrigin() {
		return Resolution{ID: model.ReservedOriginID, Reserved: true}
	}
	res := Resolution{Fallback: true}
	if r == nil || r.Dir == nil {
		return res
	}
	r.Dir.Scan(func(rec model.ObjectRecord) {
		if rec.X == pos.X && rec.Y == pos.Y {
			res.ID = rec.ID
			res.Matches++
		}
	})
	return res
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(pos model.Vector) Resolution

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(pos model.Vector) Resolution { return f(pos) }
