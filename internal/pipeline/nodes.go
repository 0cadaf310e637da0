package pipeline

import (
	"context"
	"slices"
	"strings"
	"time"

	"pachat/internal/analytics"
	"pachat/internal/models"
	"pachat/internal/service/ai"
)

// Dialect is the query language the analytics database speaks.
const Dialect = "SQLite"

const capabilityQuery = "query"

type nodeFunc func(ctx context.Context, s State) (State, error)

func (o *Orchestrator) nodes() map[Node]nodeFunc {
	return map[Node]nodeFunc{
		NodeClassify:       o.classifyQuestion,
		NodeGenerateTitle:  o.generateTitle,
		NodeEnrichContext:  o.enrichContext,
		NodeSelectTables:   o.selectTables,
		NodeExtractActs:    o.extractActivities,
		NodeSynthesize:     o.synthesizeQuery,
		NodeExecuteQuery:   o.executeQuery,
		NodeGenerateAnswer: o.generateAnswer,
		NodeGeneralAnswer:  o.generalAnswer,
	}
}

var (
	branchShape = ai.Shape{
		Name:             "classify_question",
		Description:      "Record whether the question needs the user's usage data.",
		Field:            "question_type",
		FieldDescription: "data_query or general_qa",
		Options:          []string{string(BranchDataQuery), string(BranchGeneralQA)},
	}
	queryShape = ai.Shape{
		Name:             "write_query",
		Description:      "Return the generated query.",
		Field:            "query",
		FieldDescription: "Syntactically valid SQL query.",
	}
)

func (o *Orchestrator) classifyQuestion(ctx context.Context, s State) (State, error) {
	msgs, err := ai.Render(ctx, ai.PromptClassify, map[string]any{"question": s.Question})
	if err != nil {
		return s, err
	}
	values, err := o.reasoning.CompleteStructured(ctx, msgs, branchShape)
	if err != nil {
		return s, &CapabilityError{Node: NodeClassify, Capability: ai.CapabilityReasoning, Err: err}
	}
	s.Branch = Branch(values[0])
	return s, nil
}

func (o *Orchestrator) generateTitle(ctx context.Context, s State) (State, error) {
	msgs, err := ai.Render(ctx, ai.PromptTitle, map[string]any{"question": s.Question})
	if err != nil {
		return s, err
	}
	title, err := o.answer.Complete(ctx, msgs)
	if err != nil {
		return s, &CapabilityError{Node: NodeGenerateTitle, Capability: ai.CapabilityAnswer, Err: err}
	}
	s.Title = strings.Trim(strings.TrimSpace(title), `"'`)
	return s, nil
}

func (o *Orchestrator) enrichContext(ctx context.Context, s State) (State, error) {
	var history []models.Message
	for _, m := range s.Messages {
		if m.Role != models.RoleSystem {
			history = append(history, m)
		}
	}
	msgs, err := ai.Render(ctx, ai.PromptEnrich, map[string]any{
		"current_time": s.Now.Format(time.RFC3339),
		"history":      ai.ConvertMessages(history),
		"question":     s.Question,
	})
	if err != nil {
		return s, err
	}
	enriched, err := o.reasoning.Complete(ctx, msgs)
	if err != nil {
		return s, &CapabilityError{Node: NodeEnrichContext, Capability: ai.CapabilityReasoning, Err: err}
	}
	s.EnrichedQuestion = enriched
	if s.EnrichedQuestion == "" {
		s.EnrichedQuestion = s.Question
	}
	return s, nil
}

func (o *Orchestrator) selectTables(ctx context.Context, s State) (State, error) {
	msgs, err := ai.Render(ctx, ai.PromptTables, map[string]any{
		"tables":   o.catalog.Summaries(),
		"question": s.EffectiveQuestion(),
	})
	if err != nil {
		return s, err
	}
	tables, err := o.reasoning.CompleteStructured(ctx, msgs, ai.Shape{
		Name:             "select_tables",
		Description:      "Record the tables needed to answer the question.",
		Field:            "tables",
		FieldDescription: "Names of tables in the database.",
		Options:          analytics.TableNames(),
		Multiple:         true,
	})
	if err != nil {
		return s, &CapabilityError{Node: NodeSelectTables, Capability: ai.CapabilityReasoning, Err: err}
	}
	s.Tables = tables
	return s, nil
}

func (o *Orchestrator) extractActivities(ctx context.Context, s State) (State, error) {
	known := o.catalog.Activities()
	if !slices.Contains(s.Tables, analytics.TableWindowActivity) || len(known) == 0 {
		return s, nil
	}
	msgs, err := ai.Render(ctx, ai.PromptActivities, map[string]any{
		"activities": strings.Join(known, "\n"),
		"question":   s.EffectiveQuestion(),
	})
	if err != nil {
		return s, err
	}
	activities, err := o.reasoning.CompleteStructured(ctx, msgs, ai.Shape{
		Name:             "select_activities",
		Description:      "Record the activity labels to filter window_activity by.",
		Field:            "activities",
		FieldDescription: "Activity labels from the activity column.",
		Options:          known,
		Multiple:         true,
	})
	if err != nil {
		return s, &CapabilityError{Node: NodeExtractActs, Capability: ai.CapabilityReasoning, Err: err}
	}
	s.Activities = activities
	return s, nil
}

func (o *Orchestrator) synthesizeQuery(ctx context.Context, s State) (State, error) {
	msgs, err := ai.Render(ctx, ai.PromptQuery, map[string]any{
		"dialect":    Dialect,
		"top_k":      s.TopK,
		"table_info": o.catalog.TableInfo(s.Tables, s.Activities),
		"question":   s.EffectiveQuestion(),
	})
	if err != nil {
		return s, err
	}
	values, err := o.reasoning.CompleteStructured(ctx, msgs, queryShape)
	if err != nil {
		return s, &CapabilityError{Node: NodeSynthesize, Capability: ai.CapabilityReasoning, Err: err}
	}
	query := strings.TrimSpace(values[0])
	if err := CheckQuery(query); err != nil {
		return s, err
	}
	s.Query = query
	return s, nil
}

func (o *Orchestrator) executeQuery(ctx context.Context, s State) (State, error) {
	rs, err := o.executor.Execute(ctx, s.Query)
	if err != nil {
		return s, &CapabilityError{Node: NodeExecuteQuery, Capability: capabilityQuery, Err: err}
	}
	s.Result = rs
	return s, nil
}

func (o *Orchestrator) generateAnswer(ctx context.Context, s State) (State, error) {
	answer, chunks, err := o.summarizer.Summarize(ctx, s.EffectiveQuestion(), s.Now, s.Result)
	if err != nil {
		return s, &CapabilityError{Node: NodeGenerateAnswer, Capability: ai.CapabilityAnswer, Err: err}
	}
	s.Chunks = chunks
	s.Answer = answer
	return s, nil
}

func (o *Orchestrator) generalAnswer(ctx context.Context, s State) (State, error) {
	msgs, err := ai.Render(ctx, ai.PromptGeneral, map[string]any{
		"history":  ai.ConvertMessages(s.Messages),
		"question": s.Question,
	})
	if err != nil {
		return s, err
	}
	answer, err := o.answer.Complete(ctx, msgs)
	if err != nil {
		return s, &CapabilityError{Node: NodeGeneralAnswer, Capability: ai.CapabilityAnswer, Err: err}
	}
	s.Answer = answer
	return s, nil
}
