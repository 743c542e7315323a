// Package questions holds the interview catalog: the question types a
// candidate can pick, their time limits and the turn that opens each one.
package questions

import (
	"fmt"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type Type string

const (
	LBO       Type = "lbo"
	Coding    Type = "coding"
	Financial Type = "financial"
)

const DefaultDuration = 200 * time.Second

var ErrUnknownType = goerr.New("unknown question type")

// Topic is one timed sub-question of a multi-topic question.
type Topic struct {
	ID       string
	Text     string
	Duration time.Duration
}

type Question struct {
	Type     Type
	Title    string
	Prompt   string
	Duration time.Duration
	// Topics is non-empty for questions that rotate through sub-questions
	// instead of ending when the clock runs out.
	Topics []Topic
	// CodeTemplate seeds the code stream for editor-based questions.
	CodeTemplate string
	opening      string
}

// OpeningMessage is the first user turn sent when the question connects.
func (q Question) OpeningMessage() string {
	if q.opening == "" {
		return ""
	}
	return fmt.Sprintf(q.opening, q.Prompt)
}

// Rotates reports whether a timeout advances the topic instead of ending.
func (q Question) Rotates() bool { return len(q.Topics) > 0 }

// DurationAt is the time limit for topic index i, or the question's own
// duration when it has no topics.
func (q Question) DurationAt(i int) time.Duration {
	if len(q.Topics) == 0 {
		return q.Duration
	}
	return q.Topics[i%len(q.Topics)].Duration
}

const codingPrompt = "Given an array of integers nums and an integer target, return indices of the two numbers such that they add up to target."

var catalog = map[Type]Question{
	LBO: {
		Type:     LBO,
		Title:    "Paper LBO",
		Prompt:   "Fill in the missing values in this spreadsheet to complete the LBO model.",
		Duration: DefaultDuration,
		opening: "You are an interviewer for a private equity firm conducting a paper LBO interview with me. " +
			"I am building an LBO from scratch and may ask generic questions, but you must not give the answers away. " +
			"You know the following and share a piece only when I ask for it: the sponsor buys the target for 5.0x forward EBITDA at the end of year 0; " +
			"debt to equity is 60:40; the weighted average interest rate on debt is 10%%; year 1 revenue is $100 million at a 40%% EBITDA margin; " +
			"revenue grows 10%% a year. The task: %s Stay in role and only give hints when asked.",
	},
	Coding: {
		Type:         Coding,
		Title:        "Coding",
		Prompt:       codingPrompt,
		Duration:     DefaultDuration,
		CodeTemplate: "# " + codingPrompt + "\n\n# Write your code here",
		opening:      "Hello! I am now working on the coding question. The question is as follows: %s Please greet me and ask me this question again.",
	},
	Financial: {
		Type:   Financial,
		Title:  "Financial modeling",
		Prompt: "Let's start by building out the revenue projections for the store. Assume the average selling price (ASP) per item is $500, and the expected number of items sold per year is projected to grow by 5% annually. In year 1, the company expects to sell 10,000 units. In the Excel sheet, calculate the projected revenue for the next three years, based on the provided growth rate and ASP.",
		Topics: []Topic{
			{ID: "revenue_projections", Text: "Let's start by building out the revenue projections.", Duration: DefaultDuration},
			{ID: "cost_analysis", Text: "Next, let's analyze the cost structure.", Duration: DefaultDuration},
			{ID: "profit_forecast", Text: "Finally, let's forecast the profit.", Duration: DefaultDuration},
		},
		Duration: DefaultDuration,
		opening:  "Hello! I am now working on the financial question. The first question is as follows: %s Please greet me and ask me this question again.",
	},
}

func Lookup(t Type) (Question, error) {
	q, ok := catalog[t]
	if !ok {
		return Question{}, goerr.Wrap(ErrUnknownType, "lookup", goerr.V("type", string(t)))
	}
	q.Topics = append([]Topic(nil), q.Topics...)
	return q, nil
}

// Types lists the catalog in a stable order.
func Types() []Type {
	out := make([]Type, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Instructions is the interviewer persona sent with every session.
const Instructions = `System settings:
Tool use: enabled.

Instructions:
- You are an interviewer running a live mock interview for a finance or software role.
- Ask one question at a time and wait for the candidate to answer.
- The candidate's code and spreadsheet are sent to you as text turns while they work. Use them to follow progress; do not read them back.
- Give hints only when asked, and never give the full answer.
- Use the set_memory tool to remember facts about the candidate, such as their name or the assumptions they chose.

Personality:
- Professional and encouraging.
- Speak quickly and keep turns short.`
