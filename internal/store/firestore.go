package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"studentpunch/internal/checkin"
)

// Firestore stores one document per check-in. Timestamp is filled in by the
// server on write.
type Firestore struct {
	client     *firestore.Client
	collection string
}

type firestoreRecord struct {
	UserID     string    `firestore:"user_id"`
	Email      *string   `firestore:"email"`
	Timestamp  time.Time `firestore:"timestamp,serverTimestamp"`
	Latitude   float64   `firestore:"latitude"`
	Longitude  float64   `firestore:"longitude"`
	Address    *string   `firestore:"address"`
	ImageRef   *string   `firestore:"image_ref"`
	CapturedAt time.Time `firestore:"captured_at"`
}

func NewFirestore(client *firestore.Client, collection string) *Firestore {
	if collection == "" {
		collection = "checkins"
	}
	return &Firestore{client: client, collection: collection}
}

func (f *Firestore) Append(ctx context.Context, input checkin.RecordInput) (checkin.Receipt, error) {
	if input.UserID == "" {
		return checkin.Receipt{}, errors.New("user_id required")
	}
	ref, _, err := f.client.Collection(f.collection).Add(ctx, firestoreRecord{
		UserID:     input.UserID,
		Email:      input.Email,
		Latitude:   input.Latitude,
		Longitude:  input.Longitude,
		Address:    input.Address,
		ImageRef:   input.ImageRef,
		CapturedAt: input.CapturedAt,
	})
	if err != nil {
		return checkin.Receipt{}, err
	}

	receipt := checkin.Receipt{ID: ref.ID}
	snap, err := ref.Get(ctx)
	if err != nil {
		// The write landed; only the server time is unknown.
		return receipt, nil
	}
	var stored firestoreRecord
	if err := snap.DataTo(&stored); err == nil {
		receipt.Timestamp = stored.Timestamp
	}
	return receipt, nil
}

func (f *Firestore) ListByUser(ctx context.Context, userID string, limit int) ([]checkin.Record, error) {
	query := f.client.Collection(f.collection).
		Where("user_id", "==", userID).
		OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	records := make([]checkin.Record, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var stored firestoreRecord
		if err := snap.DataTo(&stored); err != nil {
			return nil, err
		}
		records = append(records, checkin.Record{
			ID:         snap.Ref.ID,
			UserID:     stored.UserID,
			Email:      stored.Email,
			Timestamp:  stored.Timestamp,
			Latitude:   stored.Latitude,
			Longitude:  stored.Longitude,
			Address:    stored.Address,
			ImageRef:   stored.ImageRef,
			CapturedAt: stored.CapturedAt,
		})
	}
	return records, nil
}

func (f *Firestore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return checkin.ErrRecordNotFound
	}
	_, err := f.client.Collection(f.collection).Doc(id).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return checkin.ErrRecordNotFound
	}
	return err
}
