package testutils

import "github.com/ahrav/go-fincheck/internal/domain"

// RevenueEvidence is a small filing excerpt with one passage and one table.
func RevenueEvidence() domain.EvidenceBundle {
	return domain.EvidenceBundle{
		Texts: []domain.TextBlock{{
			ID:      "p1",
			Content: "Net revenue increased to $500 million in 2019 from $400 million in 2018.",
		}},
		Tables: []domain.Table{{
			ID:      "t1",
			Caption: "Revenue by segment (in millions)",
			Header:  []string{"segment", "2019", "2018"},
			Rows: [][]string{
				{"services", "300", "250"},
				{"products", "200", "150"},
				{"total", "500", "400"},
			},
		}},
	}
}

// RevenueChangeOutput is a correct, cited reasoner answer to "What was the
// change in net revenue from 2018 to 2019?" over RevenueEvidence.
func RevenueChangeOutput() domain.ReasonerOutput {
	return domain.ReasonerOutput{
		Answer:    "100",
		Reasoning: "Net revenue was 500 in 2019 and 400 in 2018, so the change is 500 - 400 = 100.",
		Citations: []string{"p1", "t1"},
		Operands: []domain.Operand{
			{Label: "2019 net revenue", Value: 500},
			{Label: "2018 net revenue", Value: 400},
		},
	}
}
