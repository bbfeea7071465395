package bonsaidb

// Decision is what a validator wants done with a put.
type Decision uint8

const (
	// DecisionApprove writes the validated value.
	DecisionApprove Decision = iota + 1
	// DecisionIgnore skips the write; the stored value already is the one
	// being put.
	DecisionIgnore
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionIgnore:
		return "ignore"
	default:
		return "invalid"
	}
}

type Validation[V any] struct {
	Decision Decision
	Value    V
}

func Approve[V any](v V) Validation[V] {
	return Validation[V]{Decision: DecisionApprove, Value: v}
}

func Ignore[V any]() Validation[V] {
	return Validation[V]{Decision: DecisionIgnore}
}

// IndexEngineValidator inspects a put before it happens. found is false
// when the key has no value yet. Returning an error aborts the put.
type IndexEngineValidator[V any] interface {
	Validate(key any, old V, found bool, newValue V) (Validation[V], error)
}

type IndexEngineValidatorFunc[V any] func(key any, old V, found bool, newValue V) (Validation[V], error)

func (f IndexEngineValidatorFunc[V]) Validate(key any, old V, found bool, newValue V) (Validation[V], error) {
	return f(key, old, found, newValue)
}

// IdentityResolver maps a record that has not been saved yet to its
// persistent identity.
type IdentityResolver interface {
	Resolve(rid RID) (RID, error)
}

type IdentityResolverFunc func(rid RID) (RID, error)

func (f IdentityResolverFunc) Resolve(rid RID) (RID, error) { return f(rid) }

// UniqueIndexEngineValidator allows at most one record per key.
type UniqueIndexEngineValidator struct {
	Index     string
	MergeKeys bool
	Resolver  IdentityResolver
}

// NewUniqueIndexEngineValidator builds the validator for an engine, taking
// MergeKeys from its metadata. resolver may be nil.
func NewUniqueIndexEngineValidator(e BaseIndexEngine, resolver IdentityResolver) *UniqueIndexEngineValidator {
	return &UniqueIndexEngineValidator{
		Index:     e.Name(),
		MergeKeys: e.Data().Metadata.MergeKeys,
		Resolver:  resolver,
	}
}

func (v *UniqueIndexEngineValidator) Validate(key any, old RID, found bool, newValue RID) (Validation[RID], error) {
	if found {
		if old == newValue {
			return Ignore[RID](), nil
		}
		if !v.MergeKeys {
			DuplicateKeyRejections.WithLabelValues(v.Index).Inc()
			return Validation[RID]{}, &DuplicateKeyError{Index: v.Index, Key: key, Existing: old, New: newValue}
		}
	}
	if !newValue.IsPersistent() && v.Resolver != nil {
		rid, err := v.Resolver.Resolve(newValue)
		if err != nil {
			return Validation[RID]{}, err
		}
		newValue = rid
	}
	return Approve(newValue), nil
}
