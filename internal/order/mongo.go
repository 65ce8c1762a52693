package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists orders in a MongoDB collection keyed by order id.
type MongoStore struct {
	col *mongo.Collection
	now func() time.Time
}

// NewMongoStore creates a MongoStore on the orders collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection("orders"), now: func() time.Time { return time.Now().UTC() }}
}

// EnsureIndexes creates the lookup indexes used by FindByMeta and FindForLabels.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	keys := []string{
		MetaOutboundTrackingNumber, MetaInboundTrackingNumber,
		MetaEasyPostTrackingID, MetaEasyPostShipmentID, MetaUSPSTrackingID,
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	for _, k := range keys {
		models = append(models, mongo.IndexModel{Keys: bson.D{{Key: "meta." + k, Value: 1}}})
	}
	if _, err := m.col.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("creating order indexes: %w", err)
	}
	return nil
}

func (m *MongoStore) update(ctx context.Context, id int64, update bson.M) error {
	res, err := m.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("updating order %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

// Get implements Store.
func (m *MongoStore) Get(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := m.col.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading order %d: %w", id, err)
	}
	if o.Meta == nil {
		o.Meta = make(map[string]string)
	}
	return &o, nil
}

// Save implements Store.
func (m *MongoStore) Save(ctx context.Context, o *Order) error {
	now := m.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	opts := options.Replace().SetUpsert(true)
	if _, err := m.col.ReplaceOne(ctx, bson.M{"_id": o.ID}, o, opts); err != nil {
		return fmt.Errorf("saving order %d: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus implements Store.
func (m *MongoStore) UpdateStatus(ctx context.Context, id int64, status Status, opts StatusOptions) error {
	o, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == status {
		return nil
	}
	now := m.now()
	change := StatusChange{From: o.Status, To: status, SuppressEmail: opts.SuppressEmail, At: now}
	return m.update(ctx, id, bson.M{
		"$set":  bson.M{"status": status, "updated_at": now},
		"$push": bson.M{"history": change},
	})
}

// SetMeta implements Store.
func (m *MongoStore) SetMeta(ctx context.Context, id int64, key, value string) error {
	return m.update(ctx, id, bson.M{"$set": bson.M{"meta." + key: value, "updated_at": m.now()}})
}

// AddMetaIfAbsent implements Store. The existence check and write are one
// conditional update, so concurrent callers cannot both succeed.
func (m *MongoStore) AddMetaIfAbsent(ctx context.Context, id int64, key, value string) (bool, error) {
	filter := bson.M{"_id": id, "meta." + key: bson.M{"$exists": false}}
	res, err := m.col.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"meta." + key: value}})
	if err != nil {
		return false, fmt.Errorf("adding meta %s to order %d: %w", key, id, err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	if _, err := m.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// DeleteMeta implements Store.
func (m *MongoStore) DeleteMeta(ctx context.Context, id int64, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	unset := bson.M{}
	for _, k := range keys {
		unset["meta."+k] = ""
	}
	return m.update(ctx, id, bson.M{"$unset": unset})
}

// FindByMeta implements Store.
func (m *MongoStore) FindByMeta(ctx context.Context, value string, keys ...string) ([]*Order, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	or := make(bson.A, 0, len(keys))
	for _, k := range keys {
		or = append(or, bson.M{"meta." + k: value})
	}
	return m.find(ctx, bson.M{"$or": or}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// FindForLabels implements Store.
func (m *MongoStore) FindForLabels(ctx context.Context, q LabelQuery) ([]*Order, error) {
	filter := bson.M{"status": StatusProcessing}
	if !q.CreatedBefore.IsZero() {
		filter["created_at"] = bson.M{"$lt": q.CreatedBefore}
	}
	if len(q.Exclude) > 0 {
		filter["_id"] = bson.M{"$nin": q.Exclude}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return m.find(ctx, filter, opts)
}

func (m *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Order, error) {
	cur, err := m.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("finding orders: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Order
	for cur.Next(ctx) {
		var o Order
		if err := cur.Decode(&o); err != nil {
			return nil, fmt.Errorf("decoding order: %w", err)
		}
		out = append(out, &o)
	}
	return out, cur.Err()
}

// AddNote implements Store.
func (m *MongoStore) AddNote(ctx context.Context, id int64, note Note) error {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = m.now()
	}
	return m.update(ctx, id, bson.M{"$push": bson.M{"notes": note}})
}

// AddFee implements Store.
func (m *MongoStore) AddFee(ctx context.Context, id int64, fee Fee) error {
	if fee.AddedAt.IsZero() {
		fee.AddedAt = m.now()
	}
	return m.update(ctx, id, bson.M{
		"$push": bson.M{"fees": fee},
		"$inc":  bson.M{"total": fee.Amount},
	})
}

// AppendScheduledRefund implements Store.
func (m *MongoStore) AppendScheduledRefund(ctx context.Context, id int64, r ScheduledRefund) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	return m.update(ctx, id, bson.M{"$push": bson.M{"scheduled_refunds": r}})
}

// MarkRefundProcessed implements Store.
func (m *MongoStore) MarkRefundProcessed(ctx context.Context, id int64, refundID, paymentRefundID string) error {
	o, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	var amount int64
	found := false
	for _, r := range o.ScheduledRefunds {
		if r.RefundID == refundID {
			found = true
			if r.Processed {
				return nil
			}
			amount = r.Amount
		}
	}
	if !found {
		return fmt.Errorf("refund %s on order %d: %w", refundID, id, ErrRefundNotFound)
	}

	filter := bson.M{
		"_id":               id,
		"scheduled_refunds": bson.M{"$elemMatch": bson.M{"refund_id": refundID, "processed": false}},
	}
	update := bson.M{
		"$set": bson.M{
			"scheduled_refunds.$.processed":         true,
			"scheduled_refunds.$.payment_refund_id": paymentRefundID,
		},
		"$inc": bson.M{"refunded_total": amount},
	}
	if _, err := m.col.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("marking refund %s on order %d: %w", refundID, id, err)
	}
	return nil
}

// RestockRefundedItems implements Store.
func (m *MongoStore) RestockRefundedItems(ctx context.Context, id int64, refundID string) error {
	o, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range o.ScheduledRefunds {
		if r.RefundID != refundID {
			continue
		}
		for _, ri := range r.Items {
			opts := options.Update().SetArrayFilters(options.ArrayFilters{
				Filters: []interface{}{bson.M{"item.product_id": ri.ProductID}},
			})
			update := bson.M{"$inc": bson.M{"items.$[item].restocked": ri.Quantity}}
			if _, err := m.col.UpdateOne(ctx, bson.M{"_id": id}, update, opts); err != nil {
				return fmt.Errorf("restocking product %d on order %d: %w", ri.ProductID, id, err)
			}
		}
		return nil
	}
	return fmt.Errorf("refund %s on order %d: %w", refundID, id, ErrRefundNotFound)
}

var _ Store = (*MongoStore)(nil)
