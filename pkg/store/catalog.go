package store

import (
	"context"
	"fmt"
)

// --- Pipelines, templates and tests ---

func (s *store) CreatePipeline(
	ctx context.Context, pipeline *Pipeline,
) error {
	if err := s.db.WithContext(ctx).Create(pipeline).Error; err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	return nil
}

func (s *store) GetPipelineByName(
	ctx context.Context, name string,
) (*Pipeline, error) {
	var pipeline Pipeline
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&pipeline).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("pipeline %q", name))
	}

	return &pipeline, nil
}

func (s *store) CreateTemplate(
	ctx context.Context, template *Template,
) error {
	if err := s.db.WithContext(ctx).Create(template).Error; err != nil {
		return fmt.Errorf("creating template: %w", err)
	}

	return nil
}

func (s *store) GetTemplate(
	ctx context.Context, id uint,
) (*Template, error) {
	var template Template
	if err := s.db.WithContext(ctx).First(&template, id).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("template %d", id))
	}

	return &template, nil
}

func (s *store) GetTemplateByName(
	ctx context.Context, name string,
) (*Template, error) {
	var template Template
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&template).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("template %q", name))
	}

	return &template, nil
}

func (s *store) CreateTest(ctx context.Context, test *Test) error {
	if err := s.db.WithContext(ctx).Create(test).Error; err != nil {
		return fmt.Errorf("creating test: %w", err)
	}

	return nil
}

func (s *store) GetTest(ctx context.Context, id uint) (*Test, error) {
	var test Test
	if err := s.db.WithContext(ctx).First(&test, id).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("test %d", id))
	}

	return &test, nil
}

func (s *store) GetTestByName(
	ctx context.Context, name string,
) (*Test, error) {
	var test Test
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&test).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("test %q", name))
	}

	return &test, nil
}

// --- Subscriptions ---

// CreateSubscription stores sub unless the same (entity, email) pair is
// already subscribed, in which case sub is filled from the existing row.
func (s *store) CreateSubscription(
	ctx context.Context, sub *Subscription,
) error {
	if err := s.db.WithContext(ctx).
		Where(
			"entity_type = ? AND entity_id = ? AND email = ?",
			sub.EntityType, sub.EntityID, sub.Email,
		).
		FirstOrCreate(sub).Error; err != nil {
		return fmt.Errorf("creating subscription: %w", err)
	}

	return nil
}

func (s *store) ListSubscriptions(
	ctx context.Context, entityType EntityType, entityID uint,
) ([]Subscription, error) {
	var subs []Subscription
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	return subs, nil
}
