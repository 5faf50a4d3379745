package core

import "context"

// CreateField attaches a field value to its owning node.
func (s *Service) CreateField(ctx context.Context, f FieldValue) (FieldValue, Result, error) {
	var created FieldValue
	res, err := s.mutate(ctx, "create_field", func() string { return created.ID }, func(tx Transaction) error {
		var err error
		created, err = tx.CreateField(f)
		return err
	})
	return created, res, err
}

// UpdateField mutates a field value using the provided mutator.
func (s *Service) UpdateField(ctx context.Context, id string, mutator func(*FieldValue) error) (FieldValue, Result, error) {
	var updated FieldValue
	res, err := s.mutate(ctx, "update_field", func() string { return id }, func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateField(id, mutator)
		return err
	})
	return updated, res, err
}

// DeleteField removes a field value.
func (s *Service) DeleteField(ctx context.Context, id string) (Result, error) {
	return s.mutate(ctx, "delete_field", func() string { return id }, func(tx Transaction) error {
		return tx.DeleteField(id)
	})
}

// ListFields returns a node's field values in insertion order.
func (s *Service) ListFields(ctx context.Context, nodeID string) ([]FieldValue, error) {
	var fields []FieldValue
	err := s.read(ctx, "list_fields", nodeID, func(v TransactionView) error {
		var err error
		fields, err = v.ListFields(nodeID)
		return err
	})
	return fields, err
}
