package pipeline

import "fmt"

// Node names a pipeline step.
type Node string

const (
	NodeClassify       Node = "classify_question"
	NodeGenerateTitle  Node = "generate_title"
	NodeEnrichContext  Node = "enrich_context"
	NodeSelectTables   Node = "select_tables"
	NodeExtractActs    Node = "extract_activities"
	NodeSynthesize     Node = "synthesize_query"
	NodeExecuteQuery   Node = "execute_query"
	NodeGenerateAnswer Node = "generate_answer"
	NodeGeneralAnswer  Node = "general_answer"
)

// Branch is the outcome of classification.
type Branch string

const (
	BranchUnset     Branch = ""
	BranchDataQuery Branch = "data_query"
	BranchGeneralQA Branch = "general_qa"
)

// AllNodes lists every node in execution order of the data branch.
var AllNodes = []Node{
	NodeClassify, NodeGenerateTitle, NodeEnrichContext, NodeSelectTables, NodeExtractActs,
	NodeSynthesize, NodeExecuteQuery, NodeGenerateAnswer, NodeGeneralAnswer,
}

// IsTerminal reports whether the pipeline stops after n.
func IsTerminal(n Node) bool {
	return n == NodeGenerateAnswer || n == NodeGeneralAnswer
}

// edges drives control flow. Each entry picks the node after the key from
// the state the key produced.
var edges = map[Node]func(State) (Node, error){
	NodeClassify: func(s State) (Node, error) {
		switch s.Branch {
		case BranchDataQuery:
			if !s.TitleExists {
				return NodeGenerateTitle, nil
			}
			return NodeEnrichContext, nil
		case BranchGeneralQA:
			return NodeGeneralAnswer, nil
		default:
			return "", fmt.Errorf("unknown branch %q", s.Branch)
		}
	},
	NodeGenerateTitle:  always(NodeEnrichContext),
	NodeEnrichContext:  always(NodeSelectTables),
	NodeSelectTables:   always(NodeExtractActs),
	NodeExtractActs:    always(NodeSynthesize),
	NodeSynthesize:     always(NodeExecuteQuery),
	NodeExecuteQuery:   always(NodeGenerateAnswer),
}

func always(n Node) func(State) (Node, error) {
	return func(State) (Node, error) { return n, nil }
}

func nextNode(current Node, s State) (Node, error) {
	edge, ok := edges[current]
	if !ok {
		return "", fmt.Errorf("no edge out of %s", current)
	}
	return edge(s)
}

var dataQuerySteps = map[Node]Node{
	NodeGenerateTitle: NodeEnrichContext,
	NodeEnrichContext: NodeSelectTables,
	NodeSelectTables:  NodeExtractActs,
	NodeExtractActs:   NodeSynthesize,
	NodeSynthesize:    NodeExecuteQuery,
	NodeExecuteQuery:  NodeGenerateAnswer,
}

// PredictNextStep names the node that follows current, for progress
// reporting only. It returns "" after a terminal node or for a node it
// does not know.
func PredictNextStep(current Node, branch Branch, titleExists bool) Node {
	if IsTerminal(current) {
		return ""
	}
	if _, ok := edges[current]; !ok {
		return ""
	}
	if branch != BranchDataQuery {
		return NodeGeneralAnswer
	}
	if current == NodeClassify {
		if titleExists {
			return NodeEnrichContext
		}
		return NodeGenerateTitle
	}
	return dataQuerySteps[current]
}
