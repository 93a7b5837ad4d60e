package model

// Every record version is stored columnar: the table's user columns followed
// by five hidden metadata columns. Offsets below are relative to the number
// of user columns.
const (
	// MetaIndirection holds the packed Location of the predecessor version.
	MetaIndirection = iota
	// MetaRID holds the record's RID.
	MetaRID
	// MetaSchema holds the schema-encoding bitmap for this version.
	MetaSchema
	// MetaTimestamp holds the version commit time in unix nanoseconds.
	MetaTimestamp
	// MetaValid holds ValidLive for live versions and ValidTombstone for
	// logical delete markers.
	MetaValid

	// MetaColumns is the number of hidden metadata columns.
	MetaColumns
)

const (
	// ValidLive marks a committed, visible record version.
	ValidLive int64 = 1
	// ValidTombstone marks a logical delete marker.
	ValidTombstone int64 = 0
)

// TotalColumns returns the physical column count for a table with the given
// number of user columns.
func TotalColumns(userColumns int) int {
	return userColumns + MetaColumns
}
