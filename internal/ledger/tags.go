// Package ledger reads the permanent ledger through its HTTP gateway
// and exposes a block-ordered, checkpointed stream of template and
// record transactions.
package ledger

// Transaction tag names, exact and case-sensitive.
const (
	TagIndexMethod   = "Index-Method"
	TagVer           = "Ver"
	TagContentType   = "Content-Type"
	TagCreator       = "Creator"
	TagCreatorSig    = "CreatorSig"
	TagPayloadDigest = "PayloadDigest"
	TagKeyIndex      = "KeyIndex"
)

// Tag values.
const (
	IndexMethodOIP  = "OIP"
	VerServerSigned = "0.8.0"
	VerClientSigned = "0.9.0"
	ContentTypeJSON = "application/json"
)

// AcceptedVer reports whether a wire version is one this reader
// indexes. Both versions are accepted indefinitely; no cut-over date
// has been set.
func AcceptedVer(ver string) bool {
	return ver == VerServerSigned || ver == VerClientSigned
}
