package authkit

// Principal is the authenticated identity and tenant context decoded from a
// valid access token. It is immutable once minted; later profile changes do
// not alter tokens already in flight.
type Principal struct {
	UserID       string
	EnterpriseID string
	Role         string
	Email        string
}
