package prompt

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	"analyze.md":   analyzeTemplate,
	"implement.md": implementTemplate,
	"review.md":    reviewTemplate,
	"fix.md":       fixTemplate,
}

const analyzeTemplate = `# Analyze: {{task_title}}

## Task {{task_id}}
{{task_body}}

## Repository
{{repository}}

## Instructions
Read the repository and write a short implementation plan for the task above:
the files to change, the approach, and the risks. Do not modify any files.
`

const implementTemplate = `# Implement: {{task_title}}

## Task {{task_id}}
{{task_body}}

## Repository Context
Repository: {{repository}}
Working in: {{worktree_path}}
Branch: {{branch}}
{{#if analysis}}

## Analysis
{{analysis}}
{{/if}}

## Instructions
1. Read the relevant code to understand the current state
2. Implement the change described above
3. Write or update tests for your changes
4. Run tests to verify they pass
5. Commit your changes and open a pull request from {{branch}}
`

const reviewTemplate = `# Code Review: {{task_title}}

## Task {{task_id}}
{{task_body}}

## Repository Context
Repository: {{repository}}
Working in: {{worktree_path}}
Branch: {{branch}}
{{#if pr_url}}
Pull request: {{pr_url}}
{{/if}}
Review round: {{iteration}}

## Instructions
Review the changes on this branch against the task. Leave every requested change
as a TODO comment in the code and commit them with a message starting "review:".
`

const fixTemplate = `# Fix Review Findings: {{task_title}}

## Task {{task_id}}
{{task_body}}

## Repository Context
Repository: {{repository}}
Working in: {{worktree_path}}
Branch: {{branch}}
Review round: {{iteration}}

## Instructions
1. Find the TODO comments left by the review
2. Address each one and remove the TODO
3. Run tests to verify they pass
4. Commit with a message starting "fix:" that lists the TODOs resolved
`
