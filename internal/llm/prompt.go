package llm

import (
	"fmt"
	"strings"
)

// maxPromptPaths caps how much of a repository tree goes into a prompt.
const maxPromptPaths = 200

const reviewSystemPrompt = `You review backlog tasks for autonomous execution by a coding agent.
Answer with one JSON object and nothing else:
{"summary": string, "recommendations": [{"category": one of technical-details|vague-terms|acceptance-criteria|ai-compatibility|examples|success-criteria|dependencies|test-expectations, "priority": one of critical|high|medium|low, "title": string, "description": string}]}
Give at most 10 recommendations. Do not repeat findings already listed.`

const suggestSystemPrompt = `You propose missing implementation tasks for a user story.
Answer with one JSON object and nothing else:
{"suggestions": [{"title": string, "description": string, "file_paths": [string], "code_examples": [{"file_path": string, "snippet": string, "relevance": string}], "confidence": integer 0-100, "acceptance_criteria": [acceptance criterion id], "estimated_hours": number}]}
Each task must name concrete files, functions or endpoints, reference the acceptance criteria it covers, and state how it will be tested. Only reference file paths that exist when a repository listing is given.`

func writeStory(b *strings.Builder, in SuggestContext) {
	writeStoryHeader(b, in.Story.Title, in.Story.Description)
	if len(in.Story.AcceptanceCriteria) == 0 {
		b.WriteString("Acceptance criteria: none defined\n")
	} else {
		b.WriteString("Acceptance criteria:\n")
		for _, ac := range in.Story.AcceptanceCriteria {
			fmt.Fprintf(b, "- %s: %s\n", ac.ID, ac.Text)
		}
	}
}

func writeStoryHeader(b *strings.Builder, title, description string) {
	fmt.Fprintf(b, "Story: %s\n", title)
	if d := strings.TrimSpace(description); d != "" {
		fmt.Fprintf(b, "Story description: %s\n", d)
	}
}

func renderReviewPrompt(in TaskContext) string {
	var b strings.Builder
	writeStoryHeader(&b, in.Story.Title, in.Story.Description)
	if len(in.Story.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
	}
	for _, ac := range in.Story.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s: %s\n", ac.ID, ac.Text)
	}
	fmt.Fprintf(&b, "\nTask:\n%s\n\n", in.Task.Text())
	fmt.Fprintf(&b, "Clarity score: %d (%s)\n", in.Report.Score.Overall, in.Report.Score.Level())
	if len(in.Report.MissingElements) > 0 {
		b.WriteString("Already found missing:\n")
		for _, m := range in.Report.MissingElements {
			fmt.Fprintf(&b, "- %s: %s\n", m.Category, m.Description)
		}
	}
	if len(in.Report.VagueTerms) > 0 {
		terms := make([]string, 0, len(in.Report.VagueTerms))
		for _, v := range in.Report.VagueTerms {
			terms = append(terms, v.Term)
		}
		fmt.Fprintf(&b, "Already flagged vague terms: %s\n", strings.Join(terms, ", "))
	}
	return b.String()
}

func renderSuggestPrompt(in SuggestContext) string {
	var b strings.Builder
	writeStory(&b, in)

	if len(in.ExistingTasks) > 0 {
		b.WriteString("\nExisting tasks (do not duplicate):\n")
		for _, t := range in.ExistingTasks {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(t.Title))
		}
	}

	if in.Repo.Available {
		fmt.Fprintf(&b, "\nRepository %s at %s:\n", in.Repo.RepoURL, in.Repo.CommitSHA)
		paths := in.Repo.Paths
		if len(paths) > maxPromptPaths {
			paths = paths[:maxPromptPaths]
		}
		for _, p := range paths {
			fmt.Fprintf(&b, "%s\n", p)
		}
		if len(in.Repo.Paths) > maxPromptPaths {
			fmt.Fprintf(&b, "... %d more files\n", len(in.Repo.Paths)-maxPromptPaths)
		}
	} else {
		b.WriteString("\nNo repository listing is available; infer file paths from the story.\n")
	}

	if len(in.Hits) > 0 {
		b.WriteString("\nRelevant code:\n")
		for _, h := range in.Hits {
			fmt.Fprintf(&b, "--- %s\n%s\n", h.Path, h.Snippet)
		}
	}

	limit := in.Max
	if limit <= 0 {
		limit = 6
	}
	fmt.Fprintf(&b, "\nPropose up to %d tasks.\n", limit+2)
	return b.String()
}
