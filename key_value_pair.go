package dtx

// KeyValuePair is a generic tuple keyed by TK.
type KeyValuePair[TK any, TV any] struct {
	Key   TK
	Value TV
}

// Tuple is a generic pair without key semantics.
type Tuple[T1 any, T2 any] struct {
	First  T1
	Second T2
}
