package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// PromptName identifies one of the pipeline's chat templates.
type PromptName string

const (
	PromptClassify     PromptName = "classify_question"
	PromptTitle        PromptName = "generate_title"
	PromptEnrich       PromptName = "enrich_context"
	PromptTables       PromptName = "select_tables"
	PromptActivities   PromptName = "extract_activities"
	PromptQuery        PromptName = "synthesize_query"
	PromptAnswer       PromptName = "generate_answer"
	PromptChunkSummary PromptName = "summarize_chunk"
	PromptMerge        PromptName = "merge_summaries"
	PromptGeneral      PromptName = "general_answer"
)

// SystemPrompt opens every thread's message log.
const SystemPrompt = "You are a personal analytics assistant. " +
	"You answer questions about the user's own computer usage: sessions, active windows and activities, " +
	"keyboard and mouse input, and self-reported productivity. " +
	"Be concise and use concrete numbers and time ranges when you have them."

var templates = map[PromptName]prompt.ChatTemplate{
	PromptClassify: prompt.FromMessages(schema.FString,
		schema.SystemMessage("Classify the user's question. "+
			"Answer data_query if answering it requires looking at the user's recorded usage data "+
			"(sessions, window activity, input, productivity ratings). "+
			"Answer general_qa for greetings, questions about the assistant and anything that needs no data."),
		schema.UserMessage("{question}"),
	),
	PromptTitle: prompt.FromMessages(schema.FString,
		schema.SystemMessage("You are a conversation title generator. "+
			"Generate a concise title of at most six words that summarizes the question. "+
			"Output only the title; do not include quotes or any additional content."),
		schema.UserMessage("{question}"),
	),
	PromptEnrich: prompt.FromMessages(schema.FString,
		schema.SystemMessage("You rewrite the user's most recent question to make it self-contained and unambiguous, "+
			"but only if necessary. Use the previous messages for context.\n"+
			"- Resolve vague time expressions using the current time (ISO format): {current_time}\n"+
			"- Clarify pronouns or references like 'that', 'them' or 'on that day'\n"+
			"- Do not change meaning or tone\n"+
			"- If the question is already clear and self-contained, return it unchanged\n"+
			"- Return only the (rewritten) question"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{question}"),
	),
	PromptTables: prompt.FromMessages(schema.FString,
		schema.SystemMessage("Select every table needed to answer the question. Available tables:\n{tables}"),
		schema.UserMessage("{question}"),
	),
	PromptActivities: prompt.FromMessages(schema.FString,
		schema.SystemMessage("Select the activity labels from the window_activity.activity column "+
			"that the question refers to. Return none if the question is not about specific activities. "+
			"Known labels:\n{activities}"),
		schema.UserMessage("{question}"),
	),
	PromptQuery: prompt.FromMessages(schema.FString,
		schema.SystemMessage("Given an input question, create a syntactically correct {dialect} query to run. "+
			"Unless the user asks for a specific number of examples, limit the query to at most {top_k} results. "+
			"Only select the columns relevant to the question and never query for all columns. "+
			"Only use columns that exist in the tables below and never modify data.\n\n{table_info}"),
		schema.UserMessage("{question}"),
	),
	PromptAnswer: prompt.FromMessages(schema.FString,
		schema.SystemMessage("Answer the user's question using the query result. "+
			"The current time is {current_time}. If the result is empty, say that no matching data was recorded."),
		schema.UserMessage("Question: {question}\n\nResult:\n{result}"),
	),
	PromptChunkSummary: prompt.FromMessages(schema.FString,
		schema.SystemMessage("You see one part of a larger query result. "+
			"Summarize the facts in it that help answer the question. Keep totals and time ranges."),
		schema.UserMessage("Question: {question}\n\nResult part:\n{chunk}"),
	),
	PromptMerge: prompt.FromMessages(schema.FString,
		schema.SystemMessage("Combine the partial summaries of a query result into one answer to the question. "+
			"Add up totals across parts where that makes sense."),
		schema.UserMessage("Question: {question}\n\nSummaries:\n{summaries}"),
	),
	PromptGeneral: prompt.FromMessages(schema.FString,
		schema.MessagesPlaceholder("history", false),
		schema.UserMessage("{question}"),
	),
}

// Render formats the named template with vars.
func Render(ctx context.Context, name PromptName, vars map[string]any) ([]*schema.Message, error) {
	tpl, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %s", name)
	}
	messages, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("format %s prompt: %w", name, err)
	}
	return messages, nil
}
