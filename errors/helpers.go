package errors

// WrapOpComponent wraps err with Op and Component. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component Component) error {
	if err == nil {
		return nil
	}
	return E(op, component, err)
}

// WrapOpComponentKind wraps err with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Operation, component Component, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(op, component, kind, err)
}
