// Package sensor maps refreshed price tables onto the fixed set of fuel
// sensors and schedules the refresh cycles that feed them.
package sensor

import (
	"strings"

	"github.com/aluiziolira/anp-fuel-prices/parser"
)

// UniqueIDPrefix namespaces sensor ids.
const UniqueIDPrefix = "ha_fuel_prices"

// Definition describes one published sensor.
type Definition struct {
	Fuel     string `json:"fuel"`
	Name     string `json:"name"`
	UniqueID string `json:"unique_id"`
	// Product is the normalized product name looked up in the price table.
	Product string `json:"product"`
}

// KnownFuels are the fuels published as sensors, in display order.
var KnownFuels = []string{
	"Etanol Hidratado",
	"Gasolina Comum",
	"Gasolina Aditivada",
	"GLP",
	"GNV",
	"Óleo Diesel",
	"Óleo Diesel S10",
}

// NewDefinition derives the sensor name, id and product key for fuel.
func NewDefinition(fuel string) Definition {
	product := parser.NormalizeText(fuel)
	return Definition{
		Fuel:     fuel,
		Name:     "Preço " + fuel,
		UniqueID: UniqueIDPrefix + "_" + strings.ToLower(strings.ReplaceAll(product, " ", "_")),
		Product:  product,
	}
}

// Definitions returns the definitions of KnownFuels.
func Definitions() []Definition {
	out := make([]Definition, 0, len(KnownFuels))
	for _, fuel := range KnownFuels {
		out = append(out, NewDefinition(fuel))
	}
	return out
}
