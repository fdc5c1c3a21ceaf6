package mentions

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-router/pkg/models"
)

func newTestExtractor() *Extractor {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewExtractor(logger)
}

var now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func TestFamily(t *testing.T) {
	tests := []struct {
		tool string
		kind RecordKind
		ctx  models.MentionContext
		ok   bool
	}{
		{"search_products", ProductKind, models.MentionSearch, true},
		{"get_product_by_id", ProductKind, models.MentionLookup, true},
		{"check_stock", ProductKind, models.MentionStock, true},
		{"get_order", OrderKind, models.MentionLookup, true},
		{"track_order", OrderKind, models.MentionTracking, true},
		{"get_payment_status", OrderKind, models.MentionPayment, true},
		{"tiendanube_get_order", OrderKind, models.MentionLookup, true},
		{"get_store_hours", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			kind, ctx, ok := Family(tt.tool)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.ctx, ctx)
		})
	}
}

func TestExtract_ProductsAndOrders(t *testing.T) {
	e := newTestExtractor()

	invocations := []models.ToolInvocation{
		{Name: "search_products", Output: `{"products":[{"id":144796910,"name":{"es":"JEAN SKINNY STONE BLACK"}},{"id":"200","name":"REMERA BASICA"}]}`},
		{Name: "get_order", Output: `{"id":998877,"number":4521,"shipping_status":"shipped"}`},
		{Name: "get_store_hours", Output: `{"open":"10:00"}`},
	}

	res := e.Extract(invocations, "", now)
	require.Len(t, res.Products, 2)
	assert.Equal(t, "144796910", res.Products[0].ID)
	assert.Equal(t, "JEAN SKINNY STONE BLACK", res.Products[0].Name)
	assert.Equal(t, models.MentionSearch, res.Products[0].Context)
	assert.Equal(t, now, res.Products[0].MentionedAt)

	require.Len(t, res.Orders, 1)
	assert.Equal(t, "998877", res.Orders[0].ID)
	assert.Equal(t, "4521", res.Orders[0].Number)
	assert.Equal(t, "shipped", res.Orders[0].LastKnownStatus)
	assert.Empty(t, res.Skipped)
}

func TestExtract_DedupKeepsFirstContext(t *testing.T) {
	e := newTestExtractor()

	invocations := []models.ToolInvocation{
		{Name: "search_products", Output: `[{"id":1,"name":"JEAN MOM"}]`},
		{Name: "check_stock", Output: `[{"id":1,"name":"JEAN MOM","stock_status":"in_stock"}]`},
	}

	res := e.Extract(invocations, "", now)
	require.Len(t, res.Products, 1)
	assert.Equal(t, models.MentionSearch, res.Products[0].Context)
}

func TestExtract_ParseFailureSkipsOnlyThatInvocation(t *testing.T) {
	e := newTestExtractor()

	invocations := []models.ToolInvocation{
		{Name: "get_product", Output: `Error: upstream timeout`},
		{Name: "get_product", Output: `{"id":"55","name":"BUZO OVERSIZE"}`},
	}

	res := e.Extract(invocations, "", now)
	assert.Equal(t, []string{"get_product"}, res.Skipped)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "55", res.Products[0].ID)
}

func TestExtract_SchemaRejectsRecordsWithoutIDOrName(t *testing.T) {
	e := newTestExtractor()

	invocations := []models.ToolInvocation{
		{Name: "search_products", Output: `{"results":[{"id":"","name":"X"},{"name":"SIN ID"},{"id":7,"name":"CAMPERA"}]}`},
	}

	res := e.Extract(invocations, "", now)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "7", res.Products[0].ID)
	assert.Equal(t, 2, res.Rejected)
}

func TestExtract_TextFallbackNeverFabricatesIDs(t *testing.T) {
	e := newTestExtractor()

	text := "Te recomiendo el **JEAN SKINNY STONE BLACK** y el **Jean Mom**. Tambien **REMERA 100% ALGODON**."
	res := e.Extract(nil, text, now)

	require.Len(t, res.Products, 2)
	for _, p := range res.Products {
		assert.Equal(t, UnknownID, p.ID)
		assert.Equal(t, models.MentionText, p.Context)
	}
	assert.Equal(t, "JEAN SKINNY STONE BLACK", res.Products[0].Name)
	assert.Equal(t, "REMERA 100% ALGODON", res.Products[1].Name)
}

func TestExtract_NoFallbackWhenStructuredMentionsExist(t *testing.T) {
	e := newTestExtractor()

	invocations := []models.ToolInvocation{{Name: "get_product", Output: `{"id":"9","name":"VESTIDO"}`}}
	res := e.Extract(invocations, "Mirá el **OTRO PRODUCTO**", now)

	require.Len(t, res.Products, 1)
	assert.Equal(t, "9", res.Products[0].ID)
}

func TestMergeProducts_Dedup(t *testing.T) {
	earlier := now.Add(-30 * time.Minute)
	existing := []models.ProductMention{
		{ID: "1", Name: "A", MentionedAt: earlier, LastMentionedAt: earlier, Context: models.MentionSearch},
		{ID: "2", Name: "B", MentionedAt: earlier, LastMentionedAt: earlier, Context: models.MentionSearch},
	}
	incoming := []models.ProductMention{
		{ID: "2", Name: "B", MentionedAt: now, LastMentionedAt: now, Context: models.MentionStock, LastKnownStatus: "in_stock"},
		{ID: "3", Name: "C", MentionedAt: now, LastMentionedAt: now, Context: models.MentionLookup},
		{ID: "1", Name: "A", MentionedAt: now, LastMentionedAt: now, Context: models.MentionLookup},
	}

	merged := MergeProducts(existing, incoming, now)
	require.Len(t, merged, 3)

	byID := map[string]models.ProductMention{}
	for _, m := range merged {
		byID[m.ID] = m
	}
	assert.Equal(t, earlier, byID["1"].MentionedAt)
	assert.Equal(t, earlier, byID["2"].MentionedAt)
	assert.Equal(t, now, byID["2"].LastMentionedAt)
	assert.Equal(t, "in_stock", byID["2"].LastKnownStatus)
	assert.Equal(t, models.MentionSearch, byID["2"].Context)
	assert.Equal(t, now, byID["3"].MentionedAt)

	// existing slice is not mutated
	assert.Equal(t, earlier, existing[1].LastMentionedAt)
}

func TestMergeProducts_OrderIndependent(t *testing.T) {
	a := models.ProductMention{ID: "1", Name: "A", MentionedAt: now.Add(-time.Minute)}
	b := models.ProductMention{ID: "1", Name: "A", MentionedAt: now}
	c := models.ProductMention{ID: "2", Name: "B", MentionedAt: now}

	first := MergeProducts(nil, []models.ProductMention{a, b, c}, now)
	second := MergeProducts(nil, []models.ProductMention{c, b, a}, now)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	mentioned := func(ms []models.ProductMention, id string) time.Time {
		for _, m := range ms {
			if m.ID == id {
				return m.MentionedAt
			}
		}
		return time.Time{}
	}
	assert.Equal(t, mentioned(first, "1"), mentioned(second, "1"))
	assert.Equal(t, now.Add(-time.Minute), mentioned(second, "1"))
}

func TestMergeProducts_UpgradesTextMention(t *testing.T) {
	earlier := now.Add(-5 * time.Minute)
	existing := []models.ProductMention{
		{ID: UnknownID, Name: "JEAN MOM", MentionedAt: earlier, LastMentionedAt: earlier, Context: models.MentionText},
		{ID: UnknownID, Name: "CAMPERA", MentionedAt: earlier, LastMentionedAt: earlier, Context: models.MentionText},
	}
	incoming := []models.ProductMention{
		{ID: "77", Name: "Jean Mom", MentionedAt: now, LastMentionedAt: now, Context: models.MentionLookup},
	}

	merged := MergeProducts(existing, incoming, now)
	require.Len(t, merged, 2)
	assert.Equal(t, "77", merged[0].ID)
	assert.Equal(t, earlier, merged[0].MentionedAt)
	assert.Equal(t, UnknownID, merged[1].ID)
}

func TestMergeOrders(t *testing.T) {
	earlier := now.Add(-time.Hour)
	existing := []models.OrderMention{{ID: "10", Number: "4521", MentionedAt: earlier, LastMentionedAt: earlier}}
	incoming := []models.OrderMention{
		{ID: "10", Number: "4521", MentionedAt: now, LastMentionedAt: now, LastKnownStatus: "delivered"},
		{ID: "11", Number: "4522", MentionedAt: now, LastMentionedAt: now},
	}

	merged := MergeOrders(existing, incoming, now)
	require.Len(t, merged, 2)
	assert.Equal(t, earlier, merged[0].MentionedAt)
	assert.Equal(t, now, merged[0].LastMentionedAt)
	assert.Equal(t, "delivered", merged[0].LastKnownStatus)
	assert.Equal(t, "11", merged[1].ID)
}
