package remapper

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// checkLegality runs the conditions common to all patterns, and then the pattern's own Check.
// It returns nil if the match can be rewritten, or the reason it can't.
func checkLegality(mc *MatchContext, m *Match) error {
	if err := checkOverlap(mc, m); err != nil {
		return err
	}
	if err := checkDevices(m); err != nil {
		return err
	}
	m.DeviceConsistent = true
	if err := checkTypes(m); err != nil {
		return err
	}
	m.TypeConsistent = true
	if err := checkExclusiveConsumers(mc, m); err != nil {
		return err
	}
	return m.Pattern.Check(mc, m)
}

// checkOverlap verifies no node of the match was already bound by another match in this pass.
// Patterns are not supposed to bind claimed nodes: this is a safety net.
func checkOverlap(mc *MatchContext, m *Match) error {
	seen := sets.Make[string](len(m.Slots))
	for _, slot := range m.Slots {
		if mc.IsClaimed(slot.Node.Name) {
			return errors.Errorf("node %q is already part of another fusion", slot.Node.Name)
		}
		if seen.Has(slot.Node.Name) {
			return errors.Errorf("node %q bound twice", slot.Node.Name)
		}
		seen.Insert(slot.Node.Name)
	}
	return nil
}

// checkDevices verifies all matched nodes are placed on the same device.
func checkDevices(m *Match) error {
	if len(m.Slots) == 0 {
		return nil
	}
	device := m.Slots[0].Node.Device
	for _, slot := range m.Slots[1:] {
		if slot.Node.Device != device {
			return errors.Errorf("node %q is on device %q, but %q is on device %q",
				slot.Node.Name, slot.Node.Device, m.Slots[0].Node.Name, device)
		}
	}
	return nil
}

// checkTypes verifies all matched nodes have the same element type "T", and that it is supported
// by the fused kernels.
func checkTypes(m *Match) error {
	dtype := dtypes.InvalidDType
	for _, slot := range m.Slots {
		t, found := slot.Node.DType()
		if !found {
			return errors.Errorf("node %q has no valid %q attribute", slot.Node.Name, AttrT)
		}
		if dtype == dtypes.InvalidDType {
			dtype = t
		} else if t != dtype {
			return errors.Errorf("node %q has type %s, expected %s", slot.Node.Name, TFTypeName(t), TFTypeName(dtype))
		}
	}
	if !IsFusableDType(dtype) {
		return errors.Errorf("type %s is not supported by fused operations", TFTypeName(dtype))
	}
	return nil
}

// checkExclusiveConsumers verifies every node removed by the rewrite is consumed only by nodes
// of the match, either as data or as control dependency, and that it is not fetched. Nodes whose
// outputs are rewired to the fused node can keep consumers outside the match.
func checkExclusiveConsumers(mc *MatchContext, m *Match) error {
	matched := sets.MakeWith(m.NodeNames()...)
	rewired := sets.MakeWith(m.Rewired...)
	for _, name := range m.Removed {
		if mc.Index.IsFetched(name) {
			return errors.Errorf("node %q is fetched and can't be fused away", name)
		}
		if rewired.Has(name) {
			continue
		}
		if !mc.Index.hasOnlyConsumers(name, matched) {
			return errors.Errorf("node %q has consumers outside of the fused chain", name)
		}
		for _, consumer := range mc.Index.ControlConsumersOf(name) {
			if !matched.Has(consumer.Name) {
				return errors.Errorf("node %q is a control dependency of %q", name, consumer.Name)
			}
		}
	}
	return nil
}
