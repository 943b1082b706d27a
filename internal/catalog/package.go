package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

var ErrInvalidPackage = errors.New("invalid_package")

// Package is a purchasable bundle of credits.
type Package struct {
	Credits         int64  `mapstructure:"credits" json:"credits"`
	PriceCents      int64  `mapstructure:"price_cents" json:"price_cents"`
	Currency        string `mapstructure:"currency" json:"currency"`
	Popular         bool   `mapstructure:"popular" json:"popular"`
	ProviderPriceID string `mapstructure:"provider_price_id" json:"-"`
}

// Catalog is the ordered set of packages offered for sale.
type Catalog struct {
	Packages []Package `mapstructure:"packages" json:"packages"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Packages: []Package{
			{Credits: 1, PriceCents: 100, Currency: "usd"},
			{Credits: 5, PriceCents: 450, Currency: "usd", Popular: true},
			{Credits: 10, PriceCents: 800, Currency: "usd"},
			{Credits: 100, PriceCents: 7000, Currency: "usd"},
		},
	}
}

// Lookup returns the package selling exactly credits.
func (c Catalog) Lookup(credits int64) (Package, error) {
	for _, pkg := range c.Packages {
		if pkg.Credits == credits {
			return pkg, nil
		}
	}
	return Package{}, ErrInvalidPackage
}

// Amounts lists the purchasable credit amounts in ascending order.
func (c Catalog) Amounts() []int64 {
	out := make([]int64, 0, len(c.Packages))
	for _, pkg := range c.Packages {
		out = append(out, pkg.Credits)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Catalog) Validate() error {
	if len(c.Packages) == 0 {
		return errors.New("catalog.packages cannot be empty")
	}
	seen := map[int64]struct{}{}
	for _, pkg := range c.Packages {
		if pkg.Credits <= 0 {
			return fmt.Errorf("catalog package credits must be positive, got %d", pkg.Credits)
		}
		if pkg.PriceCents <= 0 {
			return fmt.Errorf("catalog package %d has non-positive price", pkg.Credits)
		}
		if strings.TrimSpace(pkg.Currency) == "" {
			return fmt.Errorf("catalog package %d has no currency", pkg.Credits)
		}
		if _, dup := seen[pkg.Credits]; dup {
			return fmt.Errorf("catalog package %d is listed twice", pkg.Credits)
		}
		seen[pkg.Credits] = struct{}{}
	}
	return nil
}

func (c Catalog) normalized() Catalog {
	out := Catalog{Packages: make([]Package, 0, len(c.Packages))}
	for _, pkg := range c.Packages {
		pkg.Currency = strings.ToLower(strings.TrimSpace(pkg.Currency))
		pkg.ProviderPriceID = strings.TrimSpace(pkg.ProviderPriceID)
		out.Packages = append(out.Packages, pkg)
	}
	sort.SliceStable(out.Packages, func(i, j int) bool {
		return out.Packages[i].Credits < out.Packages[j].Credits
	})
	return out
}

func decimalContext() *apd.Context {
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp
	return ctx
}

// FormatCents renders minor units as a fixed two-digit amount, e.g. 450 -> "4.50".
func FormatCents(cents int64) string {
	return apd.New(cents, -2).Text('f')
}

// Price is the package price in major units.
func (p Package) Price() string {
	return FormatCents(p.PriceCents)
}

// PricePerCredit is the price of a single credit rounded to cents.
func (p Package) PricePerCredit() string {
	if p.Credits <= 0 {
		return FormatCents(0)
	}
	ctx := decimalContext()
	var per, rounded apd.Decimal
	_, _ = ctx.Quo(&per, apd.New(p.PriceCents, -2), apd.New(p.Credits, 0))
	_, _ = ctx.Quantize(&rounded, &per, -2)
	return rounded.Text('f')
}

// SavingsPercent compares the per-credit price with base and returns the
// whole-percent discount, never negative.
func (p Package) SavingsPercent(base Package) int64 {
	if p.Credits <= 0 || base.Credits <= 0 || base.PriceCents <= 0 {
		return 0
	}
	ctx := decimalContext()
	// 100 - 100 * (price/credits) / (basePrice/baseCredits)
	var num, den, ratio, pct, saving, rounded apd.Decimal
	_, _ = ctx.Mul(&num, apd.New(p.PriceCents, 0), apd.New(base.Credits, 0))
	_, _ = ctx.Mul(&den, apd.New(base.PriceCents, 0), apd.New(p.Credits, 0))
	_, _ = ctx.Quo(&ratio, &num, &den)
	_, _ = ctx.Mul(&pct, &ratio, apd.New(100, 0))
	_, _ = ctx.Sub(&saving, apd.New(100, 0), &pct)
	_, _ = ctx.Quantize(&rounded, &saving, 0)
	value, err := rounded.Int64()
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// View is the public rendering of a package.
type View struct {
	Credits        int64  `json:"credits"`
	Price          string `json:"price"`
	PriceCents     int64  `json:"price_cents"`
	Currency       string `json:"currency"`
	PricePerCredit string `json:"price_per_credit"`
	SavingsPercent int64  `json:"savings_percent"`
	Popular        bool   `json:"popular"`
}

// Views renders every package, computing savings against the smallest one.
func (c Catalog) Views() []View {
	if len(c.Packages) == 0 {
		return []View{}
	}
	base := c.Packages[0]
	for _, pkg := range c.Packages {
		if pkg.Credits < base.Credits {
			base = pkg
		}
	}
	out := make([]View, 0, len(c.Packages))
	for _, pkg := range c.Packages {
		out = append(out, View{
			Credits:        pkg.Credits,
			Price:          pkg.Price(),
			PriceCents:     pkg.PriceCents,
			Currency:       pkg.Currency,
			PricePerCredit: pkg.PricePerCredit(),
			SavingsPercent: pkg.SavingsPercent(base),
			Popular:        pkg.Popular,
		})
	}
	return out
}
