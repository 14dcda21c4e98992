package common

// LinkKey identifies one unidirectional link: (from, to, inIf, outIf),
// per spec.md §3. outIf refers to from's physical interface; inIf to
// to's. Shared by pkg/linkcache and pkg/metric so probe state and graph
// state agree on identity without a package import cycle.
type LinkKey struct {
	From, To    Addr
	InIf, OutIf IfIndex
}
