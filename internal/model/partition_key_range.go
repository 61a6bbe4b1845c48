package model

import "fmt"

const (
	// MinimumInclusiveEffectivePartitionKey is the lowest position on the hash ring
	MinimumInclusiveEffectivePartitionKey = ""
	// MaximumExclusiveEffectivePartitionKey is the exclusive upper bound of the hash ring
	MaximumExclusiveEffectivePartitionKey = "FF"
)

// PartitionKeyRange is a contiguous interval of the hash ring owned by one physical partition
type PartitionKeyRange struct {
	ID           string   `json:"id"`
	MinInclusive string   `json:"minInclusive"`
	MaxExclusive string   `json:"maxExclusive"`
	Parents      []string `json:"parents,omitempty"`
	ResourceID   string   `json:"_rid,omitempty"`
	ETag         string   `json:"_etag,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// ToRange returns the [min, max) interval covered by the partition key range
func (p PartitionKeyRange) ToRange() Range {
	return Range{
		Min:            p.MinInclusive,
		Max:            p.MaxExclusive,
		IsMinInclusive: true,
		IsMaxInclusive: false,
	}
}

// ServiceIdentity identifies the service instance that serves a partition key range
type ServiceIdentity string

// Range is an interval over effective partition keys
type Range struct {
	Min            string `json:"min"`
	Max            string `json:"max"`
	IsMinInclusive bool   `json:"isMinInclusive"`
	IsMaxInclusive bool   `json:"isMaxInclusive"`
}

// NewPointRange returns the degenerate range [epk, epk]
func NewPointRange(epk string) Range {
	return Range{Min: epk, Max: epk, IsMinInclusive: true, IsMaxInclusive: true}
}

// FullRange returns the whole hash ring ["", "FF")
func FullRange() Range {
	return Range{
		Min:            MinimumInclusiveEffectivePartitionKey,
		Max:            MaximumExclusiveEffectivePartitionKey,
		IsMinInclusive: true,
	}
}

// IsPoint reports whether the range contains exactly one key
func (r Range) IsPoint() bool {
	return r.Min == r.Max && r.IsMinInclusive && r.IsMaxInclusive
}

// IsEmpty reports whether the range contains no keys
func (r Range) IsEmpty() bool {
	return r.Min == r.Max && !(r.IsMinInclusive && r.IsMaxInclusive)
}

// Contains reports whether epk falls inside the range
func (r Range) Contains(epk string) bool {
	if epk < r.Min || (epk == r.Min && !r.IsMinInclusive) {
		return false
	}
	if epk > r.Max || (epk == r.Max && !r.IsMaxInclusive) {
		return false
	}
	return true
}

// Overlaps reports whether the two ranges share at least one key
func (r Range) Overlaps(other Range) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return false
	}
	if r.Min > other.Max || (r.Min == other.Max && !(r.IsMinInclusive && other.IsMaxInclusive)) {
		return false
	}
	if other.Min > r.Max || (other.Min == r.Max && !(other.IsMinInclusive && r.IsMaxInclusive)) {
		return false
	}
	return true
}

// Validate checks min <= max over the hash alphabet
func (r Range) Validate() error {
	if r.Min > r.Max {
		return fmt.Errorf("range min %q is greater than max %q", r.Min, r.Max)
	}
	return nil
}

func (r Range) String() string {
	left, right := "(", ")"
	if r.IsMinInclusive {
		left = "["
	}
	if r.IsMaxInclusive {
		right = "]"
	}
	return fmt.Sprintf("%s%q,%q%s", left, r.Min, r.Max, right)
}
