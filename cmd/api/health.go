package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/warrantyfunnel/api/internal/repositories"
	"github.com/warrantyfunnel/api/internal/services"
)

// secretCheckReference is never expected to exist; a NotFound proves Secret Manager answered.
const secretCheckReference = "secret://system/healthz?version=latest"

// systemService builds the readiness checks. Firestore is critical; the rest degrade to
// fallbacks (built-in rate table, local secrets, no abandoned cart events).
func (a *app) systemService() (services.SystemService, error) {
	var checks []repositories.DependencyCheck
	if a.firestore != nil {
		client := a.firestore
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if a.fetcher != nil {
		fetcher := a.fetcher
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretCheckReference)
				if status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if a.matrixBucket != nil {
		bucket := a.matrixBucket
		checks = append(checks, repositories.DependencyCheck{
			Name:    "rateMatrices",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := bucket.Attrs(ctx)
				return err
			},
		})
	}
	if a.abandonedCart != nil {
		topic := a.abandonedCart
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				switch ok, err := topic.Exists(ctx); {
				case err != nil:
					return err
				case !ok:
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("no dependency checks configured")
	}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            a.build,
	})
}
