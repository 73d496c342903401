package engine

import "fmt"

// plannerPrompt steers the planning node. It never sees tool definitions;
// it only knows which tools exist by name so the plan can reference them.
const plannerPrompt = `You are the planning stage of an assistant. Read the conversation and the
user's latest message, then write a short numbered plan (1-4 steps) for how
to answer. Available capabilities: looking up users by email, looking up
items by id, listing a user's items, and fetching public http(s) URLs.
Reply with the plan only, no preamble and no answer.`

// executorPrompt steers the execution node. The plan from the planning
// node is embedded verbatim.
func executorPrompt(plan string) string {
	return fmt.Sprintf(`You are a helpful assistant. Follow this plan to answer the user's
latest message, using the provided tools when a step needs data:

%s

If a tool returns an error payload, adjust or continue without it.
When you have what you need, reply to the user directly.`, plan)
}

// noToolsNudge is injected after repeated tool failures so the model
// produces an answer instead of retrying a broken tool.
const noToolsNudge = `Tools are currently unavailable. Answer the user's message as best you
can with the information already gathered.`
