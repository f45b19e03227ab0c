package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/xid"
)

const (
	salesCollection    = "sales"
	productsCollection = "products"
)

// Dial configures a client without waiting for a server; the driver
// connects in the background.
func Dial(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(20).
		SetMinPoolSize(1)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return client.Database(database), nil
}

type Store struct {
	db       *mongo.Database
	sales    *mongo.Collection
	products *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{
		db:       db,
		sales:    db.Collection(salesCollection),
		products: db.Collection(productsCollection),
	}
}

func (s *Store) CreateIndexes(ctx context.Context) error {
	_, err := s.sales.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "client_ref", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "server_created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create sales indexes: %w", err)
	}
	_, err = s.products.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "branch_id", Value: 1}, {Key: "barcode", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("create products indexes: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.Client().Ping(ctx, nil))
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) InsertSale(ctx context.Context, sale domain.SaleRecord) (string, error) {
	if sale.ClientRef == "" || len(sale.Items) == 0 {
		return "", store.ErrInvalidSale
	}

	doc := toSaleDocument(sale)
	doc.ID = xid.New("sale")
	if doc.ServerCreatedAt.IsZero() {
		doc.ServerCreatedAt = time.Now().UTC()
	}
	if doc.Date == "" {
		doc.Date = store.DefaultDate(doc.ServerCreatedAt)
	}

	if _, err := s.sales.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			var existing struct {
				ID string `bson:"_id"`
			}
			findErr := s.sales.FindOne(ctx, bson.M{"client_ref": sale.ClientRef}).Decode(&existing)
			if findErr != nil {
				return "", classify(findErr)
			}
			return existing.ID, nil
		}
		return "", classify(err)
	}
	return doc.ID, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.ProductSnapshot, error) {
	return s.findProduct(ctx, bson.M{"_id": productID})
}

func (s *Store) FindProductByBarcode(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error) {
	return s.findProduct(ctx, bson.M{"branch_id": branchID, "barcode": barcode})
}

func (s *Store) findProduct(ctx context.Context, filter bson.M) (*domain.ProductSnapshot, error) {
	var doc productDocument
	if err := s.products.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, classify(err)
	}
	p := doc.toDomain()
	return &p, nil
}

func (s *Store) ListProductsByBranch(ctx context.Context, branchID string) ([]domain.ProductSnapshot, error) {
	cursor, err := s.products.Find(ctx, bson.M{"branch_id": branchID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var docs []productDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	out := make([]domain.ProductSnapshot, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

// UpsertProduct writes a full product document. Used to seed branches.
func (s *Store) UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error {
	doc := toProductDocument(p)
	doc.Stock = domain.RecomputeStock(p.Variants, p.Stock)
	update := bson.M{
		"$set": bson.M{
			"barcode":          doc.Barcode,
			"branch_id":        doc.BranchID,
			"name":             doc.Name,
			"prices":           doc.Prices,
			"discount_percent": doc.DiscountPercent,
			"stock":            doc.Stock,
			"variants":         doc.Variants,
			"updated_at":       time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}
	_, err := s.products.UpdateOne(ctx, bson.M{"_id": doc.ID}, update, options.Update().SetUpsert(true))
	return classify(err)
}

func (s *Store) UpdateProductStock(ctx context.Context, productID string, variants []domain.Variant, stock int) error {
	res, err := s.products.UpdateOne(ctx, bson.M{"_id": productID}, stockUpdate(variants, stock))
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CompareAndSwapStock(ctx context.Context, productID string, expectedVersion int64, variants []domain.Variant, stock int) (bool, error) {
	res, err := s.products.UpdateOne(ctx, bson.M{"_id": productID, "version": expectedVersion}, stockUpdate(variants, stock))
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	count, err := s.products.CountDocuments(ctx, bson.M{"_id": productID}, options.Count().SetLimit(1))
	if err != nil {
		return false, classify(err)
	}
	if count == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func stockUpdate(variants []domain.Variant, stock int) bson.M {
	if variants == nil {
		variants = []domain.Variant{}
	}
	return bson.M{
		"$set": bson.M{
			"stock":      max(stock, 0),
			"variants":   variants,
			"updated_at": time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) || store.IsUnavailable(err) {
		return store.Unavailable(err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 13 {
		return fmt.Errorf("%w: %s", store.ErrPermissionDenied, cmdErr.Message)
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if we.Code == 121 {
				return fmt.Errorf("%w: %s", store.ErrInvalidSale, we.Message)
			}
		}
	}
	return err
}

type lineItemDocument struct {
	ProductID       string `bson:"product_id"`
	Barcode         string `bson:"barcode,omitempty"`
	Name            string `bson:"name"`
	Quantity        int    `bson:"quantity"`
	UnitPrice       string `bson:"unit_price"`
	DiscountPercent string `bson:"discount_percent"`
	Color           string `bson:"color,omitempty"`
	Size            string `bson:"size,omitempty"`
}

type moneyDocument struct {
	Amount   string `bson:"amount"`
	Currency string `bson:"currency"`
	Method   string `bson:"method,omitempty"`
}

type saleDocument struct {
	ID                        string             `bson:"_id"`
	ClientRef                 string             `bson:"client_ref"`
	Items                     []lineItemDocument `bson:"items"`
	Total                     string             `bson:"total"`
	Currency                  string             `bson:"currency"`
	Totals                    map[string]string  `bson:"totals,omitempty"`
	Payments                  []moneyDocument    `bson:"payments"`
	Change                    *moneyDocument     `bson:"change,omitempty"`
	ClientName                string             `bson:"client_name,omitempty"`
	AdditionalDiscountPercent string             `bson:"additional_discount_percent"`
	Status                    string             `bson:"status"`
	BranchID                  string             `bson:"branch_id"`
	StaffID                   string             `bson:"staff_id"`
	StaffName                 string             `bson:"staff_name"`
	Date                      string             `bson:"date"`
	CreatedAt                 time.Time          `bson:"created_at"`
	ServerCreatedAt           time.Time          `bson:"server_created_at"`
}

func toSaleDocument(sale domain.SaleRecord) saleDocument {
	doc := saleDocument{
		ClientRef:                 sale.ClientRef,
		Total:                     sale.Total.String(),
		Currency:                  string(sale.Currency),
		ClientName:                sale.ClientName,
		AdditionalDiscountPercent: sale.AdditionalDiscountPercent.String(),
		Status:                    string(sale.Status),
		BranchID:                  sale.BranchID,
		StaffID:                   sale.StaffID,
		StaffName:                 sale.StaffName,
		Date:                      sale.Date,
		CreatedAt:                 sale.CreatedAt,
		ServerCreatedAt:           sale.ServerCreatedAt,
	}
	for _, item := range sale.Items {
		doc.Items = append(doc.Items, lineItemDocument{
			ProductID:       item.ProductID,
			Barcode:         item.Barcode,
			Name:            item.Name,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice.String(),
			DiscountPercent: item.DiscountPercent.String(),
			Color:           item.Color,
			Size:            item.Size,
		})
	}
	if len(sale.Totals) > 0 {
		doc.Totals = make(map[string]string, len(sale.Totals))
		for c, amount := range sale.Totals {
			doc.Totals[string(c)] = amount.String()
		}
	}
	doc.Payments = make([]moneyDocument, 0, len(sale.Payments))
	for _, p := range sale.Payments {
		doc.Payments = append(doc.Payments, moneyDocument{Amount: p.Amount.String(), Currency: string(p.Currency), Method: p.Method})
	}
	if sale.Change != nil {
		doc.Change = &moneyDocument{Amount: sale.Change.Amount.String(), Currency: string(sale.Change.Currency)}
	}
	return doc
}

type productDocument struct {
	ID              string            `bson:"_id"`
	Barcode         string            `bson:"barcode"`
	BranchID        string            `bson:"branch_id"`
	Name            string            `bson:"name"`
	Prices          map[string]string `bson:"prices"`
	DiscountPercent string            `bson:"discount_percent"`
	Stock           int               `bson:"stock"`
	Variants        []domain.Variant  `bson:"variants"`
	Version         int64             `bson:"version"`
	UpdatedAt       time.Time         `bson:"updated_at"`
}

func toProductDocument(p domain.ProductSnapshot) productDocument {
	doc := productDocument{
		ID:              p.ProductID,
		Barcode:         p.Barcode,
		BranchID:        p.BranchID,
		Name:            p.Name,
		Prices:          make(map[string]string, len(p.Prices)),
		DiscountPercent: p.DiscountPercent.String(),
		Stock:           p.Stock,
		Variants:        p.Variants,
		Version:         p.Version,
		UpdatedAt:       p.UpdatedAt,
	}
	for c, amount := range p.Prices {
		doc.Prices[string(c)] = amount.String()
	}
	if doc.Variants == nil {
		doc.Variants = []domain.Variant{}
	}
	return doc
}

func (d productDocument) toDomain() domain.ProductSnapshot {
	p := domain.ProductSnapshot{
		ProductID: d.ID,
		Barcode:   d.Barcode,
		BranchID:  d.BranchID,
		Name:      d.Name,
		Stock:     d.Stock,
		Version:   d.Version,
		UpdatedAt: d.UpdatedAt,
	}
	if len(d.Variants) > 0 {
		p.Variants = d.Variants
	}
	if len(d.Prices) > 0 {
		p.Prices = make(map[domain.Currency]decimal.Decimal, len(d.Prices))
		for c, raw := range d.Prices {
			if amount, err := decimal.NewFromString(raw); err == nil {
				p.Prices[domain.Currency(c)] = amount
			}
		}
	}
	if d.DiscountPercent != "" {
		p.DiscountPercent, _ = decimal.NewFromString(d.DiscountPercent)
	}
	return p
}
