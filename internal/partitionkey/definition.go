package partitionkey

import (
	"fmt"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

// Definition describes how a collection is partitioned
type Definition struct {
	Paths   []string `json:"paths" yaml:"paths"`
	Kind    Kind     `json:"kind" yaml:"kind"`
	Version Version  `json:"version,omitempty" yaml:"version"`
}

// EffectiveVersion returns the hash version, defaulting by kind when unset
func (d Definition) EffectiveVersion() Version {
	if d.Version != 0 {
		return d.Version
	}
	if d.Kind == KindMultiHash {
		return V2
	}
	return V1
}

// EffectiveKind returns the kind, defaulting to Hash when unset
func (d Definition) EffectiveKind() Kind {
	if d.Kind == "" {
		return KindHash
	}
	return d.Kind
}

// Validate checks the definition is one the hasher supports
func (d Definition) Validate() error {
	switch d.EffectiveKind() {
	case KindHash:
		if len(d.Paths) > 1 {
			return errors.InvalidArgument(fmt.Sprintf("hash partitioning takes one path, got %d", len(d.Paths)), nil)
		}
	case KindMultiHash:
		if d.EffectiveVersion() != V2 {
			return errors.InvalidArgument("hierarchical partitioning requires version 2", nil)
		}
		if len(d.Paths) > MaxHierarchicalComponents {
			return errors.InvalidArgument(
				fmt.Sprintf("hierarchical partitioning takes at most %d paths, got %d", MaxHierarchicalComponents, len(d.Paths)), nil)
		}
	default:
		return errors.InvalidArgument(fmt.Sprintf("unsupported partition kind %q", d.Kind), nil)
	}
	if v := d.EffectiveVersion(); v != V1 && v != V2 {
		return errors.InvalidArgument(fmt.Sprintf("unsupported hash version %d", v), nil)
	}
	return nil
}

// EffectivePartitionKey hashes a full key under this definition
func (d Definition) EffectivePartitionKey(key Key) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	return Hash(key, d.EffectiveKind(), d.EffectiveVersion())
}

// EffectiveRange returns the ring interval addressed by key. A full key is a
// single point; a hierarchical prefix covers every key that extends it.
func (d Definition) EffectiveRange(key Key) (model.Range, error) {
	if err := d.Validate(); err != nil {
		return model.Range{}, err
	}
	if len(d.Paths) > 0 && len(key) > len(d.Paths) {
		return model.Range{}, errors.InvalidArgument(
			fmt.Sprintf("partition key has %d components but the definition has %d paths", len(key), len(d.Paths)), nil)
	}
	if len(key) == 0 {
		return model.FullRange(), nil
	}

	epk, err := Hash(key, d.EffectiveKind(), d.EffectiveVersion())
	if err != nil {
		return model.Range{}, err
	}

	if d.EffectiveKind() == KindMultiHash && len(key) < len(d.Paths) {
		return model.Range{
			Min:            epk,
			Max:            epk + model.MaximumExclusiveEffectivePartitionKey,
			IsMinInclusive: true,
		}, nil
	}
	return model.NewPointRange(epk), nil
}
