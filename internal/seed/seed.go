// Package seed generates a small Northwind-like corpus of companies and
// orders.
package seed

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"mrindex/internal/docstore"
	"mrindex/internal/model"
)

type Options struct {
	Companies int
	Orders    int
	Seed      int64
	FromYear  int
	Years     int
}

func (o Options) withDefaults() Options {
	if o.Companies <= 0 {
		o.Companies = 10
	}
	if o.Orders < 0 {
		o.Orders = 0
	}
	if o.FromYear == 0 {
		o.FromYear = 1996
	}
	if o.Years <= 0 {
		o.Years = 3
	}
	return o
}

type Corpus struct {
	Companies []model.Company
	Orders    []model.Order
}

var (
	names = []string{
		"Alfreds Futterkiste", "Ana Trujillo Emparedados", "Antonio Moreno Taquería", "Around the Horn",
		"Berglunds snabbköp", "Blauer See Delikatessen", "Blondesddsl père et fils", "Bólido Comidas preparadas",
		"Bon app'", "Bottom-Dollar Markets", "Cactus Comidas para llevar", "Chop-suey Chinese",
		"Ernst Handel", "Folk och fä HB", "Frankenversand", "QUICK-Stop", "Rattlesnake Canyon Grocery",
		"Save-a-lot Markets", "Vins et alcools Chevalier", "Wolski Zajazd",
	}
	places = []model.Address{
		{City: "Berlin", Country: "Germany", PostalCode: "12209"},
		{City: "México D.F.", Country: "Mexico", PostalCode: "05021"},
		{City: "London", Country: "UK", PostalCode: "WA1 1DP"},
		{City: "Luleå", Country: "Sweden", PostalCode: "S-958 22"},
		{City: "Strasbourg", Country: "France", PostalCode: "67000"},
		{City: "Reims", Country: "France", PostalCode: "51100"},
		{City: "Graz", Country: "Austria", PostalCode: "8010"},
		{City: "Boise", Country: "USA", Region: "ID", PostalCode: "83720"},
	}
	products = []struct {
		name  string
		price int64 // cents
	}{
		{"Chai", 1800}, {"Chang", 1900}, {"Aniseed Syrup", 1000}, {"Chef Anton's Cajun Seasoning", 2200},
		{"Grandma's Boysenberry Spread", 2500}, {"Uncle Bob's Organic Dried Pears", 3000},
		{"Northwoods Cranberry Sauce", 4000}, {"Mishi Kobe Niku", 9700}, {"Ikura", 3100},
		{"Queso Cabrales", 2100}, {"Konbu", 600}, {"Tofu", 2325}, {"Pavlova", 1745},
		{"Côte de Blaye", 26350}, {"Raclette Courdavault", 5500},
	}
	discounts = []string{"0", "0", "0", "0.05", "0.1", "0.15", "0.2", "0.25"}
)

// Generate builds a deterministic corpus for opts.Seed. Company ids are
// "companies/1".."companies/N" and orders reference them by id.
func Generate(opts Options) Corpus {
	opts = opts.withDefaults()
	r := rand.New(rand.NewSource(opts.Seed))
	var c Corpus
	for i := 0; i < opts.Companies; i++ {
		addr := places[r.Intn(len(places))]
		addr.Line1 = fmt.Sprintf("%d %s", 1+r.Intn(200), []string{"Obere Str.", "Avda. de la Constitución", "Hanover Sq.", "Berguvsvägen", "rue des Bouchers"}[r.Intn(5)])
		c.Companies = append(c.Companies, model.Company{
			ID:         fmt.Sprintf("companies/%d", i+1),
			ExternalID: fmt.Sprintf("C%04d", i+1),
			Name:       names[i%len(names)],
			Phone:      fmt.Sprintf("030-%07d", r.Intn(10000000)),
			Contact:    model.Contact{Name: fmt.Sprintf("Contact %d", i+1), Title: "Sales Representative"},
			Address:    addr,
		})
	}
	start := time.Date(opts.FromYear, 1, 1, 0, 0, 0, 0, time.UTC)
	span := time.Duration(opts.Years) * 365 * 24 * time.Hour
	for i := 0; i < opts.Orders; i++ {
		o := model.Order{
			ID:        fmt.Sprintf("orders/%d", i+1),
			Company:   c.Companies[r.Intn(len(c.Companies))].ID,
			Employee:  fmt.Sprintf("employees/%d", 1+r.Intn(9)),
			OrderedAt: start.Add(time.Duration(r.Int63n(int64(span)))).Truncate(time.Hour),
		}
		for n := 1 + r.Intn(4); n > 0; n-- {
			j := r.Intn(len(products))
			p := products[j]
			o.Lines = append(o.Lines, model.OrderLine{
				Product:      fmt.Sprintf("products/%d", j+1),
				ProductName:  p.name,
				Quantity:     int64(1 + r.Intn(30)),
				PricePerUnit: decimal.New(p.price, -2),
				Discount:     decimal.RequireFromString(discounts[r.Intn(len(discounts))]),
			})
		}
		c.Orders = append(c.Orders, o)
	}
	return c
}

// Load stores the corpus in batches of batchSize documents per unit of
// work.
func Load(ctx context.Context, db *docstore.DB, c Corpus, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	docs := make([]any, 0, len(c.Companies)+len(c.Orders))
	for i := range c.Companies {
		co := c.Companies[i]
		docs = append(docs, &co)
	}
	for i := range c.Orders {
		o := c.Orders[i]
		docs = append(docs, &o)
	}
	for len(docs) > 0 {
		n := batchSize
		if n > len(docs) {
			n = len(docs)
		}
		s := db.OpenSession()
		for _, d := range docs[:n] {
			if err := s.Store(d); err != nil {
				s.Close()
				return err
			}
		}
		err := s.SaveChanges(ctx)
		s.Close()
		if err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		docs = docs[n:]
	}
	return nil
}
