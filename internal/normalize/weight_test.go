package normalize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roastwatch/roastwatch/internal/model"
)

func TestGramsFromText(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"250g", 250},
		{"250 g", 250},
		{"250 grams", 250},
		{"1kg", 1000},
		{"1.5 kg", 1500},
		{"0,5 kg", 500},
		{"12 oz", 340},
		{"1 lb", 454},
		{"2 pounds", 907},
		{"Ethiopia Yirgacheffe - 250g, Washed, Medium", 250},
	}
	for _, tt := range tests {
		got, ok := gramsFromText(tt.in)
		assert.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := gramsFromText("no weight here")
	assert.False(t, ok)
}

func TestWeightRoundTrip(t *testing.T) {
	// Serializing grams through each unit and reparsing lands within
	// a gram of the original.
	for grams := 5; grams <= 5000; grams += 7 {
		forms := []string{
			fmt.Sprintf("%d g", grams),
			fmt.Sprintf("%.3f kg", float64(grams)/1000),
			fmt.Sprintf("%.4f oz", float64(grams)/gramsPerOunce),
		}
		for _, f := range forms {
			got, ok := gramsFromText(f)
			assert.True(t, ok, f)
			assert.InDelta(t, grams, got, 1, f)
		}
	}
}

func TestParseWeight_CandidatePrecedence(t *testing.T) {
	v := &model.Variant{Grams: 250, WeightUnit: model.UnitGram, Options: []string{"500g"}}
	grams, conf, warns := ParseWeight(v, "Some Coffee 1kg", "")

	assert.Equal(t, 250, grams, "explicit grams field wins")
	assert.Equal(t, 1.0, conf)
	assert.NotEmpty(t, warns, "disagreeing candidates warn")
}

func TestParseWeight_OunceField(t *testing.T) {
	v := &model.Variant{Grams: 12, WeightUnit: model.UnitOunce}
	grams, _, _ := ParseWeight(v, "", "")
	assert.Equal(t, 340, grams)
}

func TestParseWeight_FallsBackToTitle(t *testing.T) {
	v := &model.Variant{}
	grams, conf, warns := ParseWeight(v, "Monsoon Malabar 500g", "")
	assert.Equal(t, 500, grams)
	assert.Equal(t, 0.7, conf)
	assert.Empty(t, warns)
}

func TestParseWeight_Missing(t *testing.T) {
	grams, conf, warns := ParseWeight(&model.Variant{}, "House Blend", "")
	assert.Zero(t, grams)
	assert.Less(t, conf, 0.5)
	assert.NotEmpty(t, warns)
}
