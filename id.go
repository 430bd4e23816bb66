package tally

import "github.com/xraph/tally/id"

// ID is the identifier type for purchases, coupons, sessions and requests.
type ID = id.ID

// Prefix identifies the record type encoded in a TypeID.
type Prefix = id.Prefix
