package pipeline

import "testing"

func TestPredictorAgreesWithEdges(t *testing.T) {
	for _, node := range AllNodes {
		for _, branch := range []Branch{BranchDataQuery, BranchGeneralQA} {
			for _, titleExists := range []bool{false, true} {
				// Only classify_question is reachable on the general branch.
				if branch == BranchGeneralQA && node != NodeClassify {
					continue
				}
				predicted := PredictNextStep(node, branch, titleExists)
				if IsTerminal(node) {
					if predicted != "" {
						t.Fatalf("terminal %s predicted %s", node, predicted)
					}
					if _, ok := edges[node]; ok {
						t.Fatalf("terminal %s has an outgoing edge", node)
					}
					continue
				}
				actual, err := nextNode(node, State{Branch: branch, TitleExists: titleExists})
				if err != nil {
					t.Fatalf("edge from %s: %v", node, err)
				}
				if predicted != actual {
					t.Fatalf("(%s, %s, title=%v): predicted %s, edge goes to %s", node, branch, titleExists, predicted, actual)
				}
			}
		}
	}
}

func TestPredictorUnknownNode(t *testing.T) {
	for _, branch := range []Branch{BranchDataQuery, BranchGeneralQA, BranchUnset} {
		if got := PredictNextStep("summarize_everything", branch, false); got != "" {
			t.Fatalf("unknown node on %q branch predicted %q", branch, got)
		}
	}
}

func TestClassifyEdgeRejectsUnsetBranch(t *testing.T) {
	if _, err := nextNode(NodeClassify, State{}); err == nil {
		t.Fatalf("expected error for unset branch")
	}
}

func TestEveryNodeHasHandler(t *testing.T) {
	o := &Orchestrator{}
	handlers := o.nodes()
	for _, n := range AllNodes {
		if _, ok := handlers[n]; !ok {
			t.Fatalf("node %s has no handler", n)
		}
	}
}
