package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/log"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists the lifetime totals and correction history under a
// per-meter document so multiple meters can share one project.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	meterID   string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	meterID := lflag.String("meter-id", "default", "Identifier of this meter within the Firestore project")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.meterID = *meterID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.meterID == "" {
		return errors.New("meter-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) meterDoc() *firestore.DocumentRef {
	return f.client.Collection("meters").Doc(f.meterID)
}

// GetTotals retrieves the lifetime totals from the "state/totals" document.
func (f *FirestoreProvider) GetTotals(ctx context.Context) (types.EnergyTotals, int, error) {
	doc, err := f.meterDoc().Collection("state").Doc("totals").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// first run for this meter: start from zero
			return types.EnergyTotals{}, 0, nil
		}
		return types.EnergyTotals{}, 0, fmt.Errorf("failed to fetch totals doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "totals doc missing json", slog.String("meterID", f.meterID))
		return types.EnergyTotals{}, 0, fmt.Errorf("totals document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "totals doc json not string", slog.String("meterID", f.meterID))
		return types.EnergyTotals{}, 0, fmt.Errorf("totals 'json' field is not a string")
	}

	var t types.EnergyTotals
	if err := json.Unmarshal([]byte(jsonStr), &t); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal totals json", slog.String("meterID", f.meterID), slog.Any("err", err))
		return types.EnergyTotals{}, 0, fmt.Errorf("failed to unmarshal totals json: %w", err)
	}
	return t, version, nil
}

// SetTotals saves the lifetime totals to the "state/totals" document.
// It stores the totals as a JSON string for portability.
func (f *FirestoreProvider) SetTotals(ctx context.Context, totals types.EnergyTotals, version int) error {
	jsonBytes, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("failed to marshal totals: %w", err)
	}

	_, err = f.meterDoc().Collection("state").Doc("totals").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save totals: %w", err)
	}
	return nil
}

// InsertCorrection adds a correction record to the "correction_history"
// collection as a JSON blob. The document ID is the RFC3339 timestamp for
// efficient range queries.
func (f *FirestoreProvider) InsertCorrection(ctx context.Context, correction types.Correction, version int) error {
	jsonBytes, err := json.Marshal(correction)
	if err != nil {
		return fmt.Errorf("failed to marshal correction: %w", err)
	}

	coll := f.meterDoc().Collection("correction_history")
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := correction.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": correction.Timestamp,
		"version":   version,
	})
	if err != nil {
		return fmt.Errorf("failed to insert correction: %w", err)
	}
	return nil
}

// GetCorrectionHistory retrieves correction records within the specified time
// range. Uses document ID range queries for efficient filtering without
// reading all documents.
func (f *FirestoreProvider) GetCorrectionHistory(ctx context.Context, start, end time.Time) ([]types.Correction, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll := f.meterDoc().Collection("correction_history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var corrections []types.Correction
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating corrections: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "correction doc missing json", slog.String("docID", doc.Ref.ID), slog.String("meterID", f.meterID), slog.Any("err", err))
			return nil, fmt.Errorf("correction document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "correction doc json not string", slog.String("docID", doc.Ref.ID), slog.String("meterID", f.meterID))
			return nil, fmt.Errorf("correction document %s 'json' field is not string", doc.Ref.ID)
		}

		var c types.Correction
		if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal correction", slog.String("docID", doc.Ref.ID), slog.String("meterID", f.meterID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal correction (id=%s): %w", doc.Ref.ID, err)
		}
		corrections = append(corrections, c)
	}
	return corrections, nil
}

// GetLatestCorrection retrieves the most recent correction record.
func (f *FirestoreProvider) GetLatestCorrection(ctx context.Context) (*types.Correction, error) {
	coll := f.meterDoc().Collection("correction_history")

	// firestore automatically creates indexes for top-level fields
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest correction doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return nil, fmt.Errorf("correction document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("correction document %s 'json' field is not string", doc.Ref.ID)
	}

	var c types.Correction
	if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal correction (id=%s): %w", doc.Ref.ID, err)
	}
	return &c, nil
}
