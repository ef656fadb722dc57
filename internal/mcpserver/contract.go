package mcpserver

// StateContract describes the tracker partitions that LLM consumers read
// and write through get_state and set_partition.
const StateContract = `# Tracker State Contract

The state is one JSON object. Each top-level key is a partition; set_partition
replaces a partition whole.

## Partitions

| Partition  | Type   | Record fields |
|------------|--------|---------------|
| users      | list   | id, name, email |
| projects   | list   | id, job_number, name, client, status, pm_user_id, start_date |
| notes      | list   | id, project_id, meeting_date, pinned, body |
| tasks      | list   | id, project_id, note_id, title, assignee_user_id, status, priority, due_date, attachments |
| ui         | object | selectedProjectId, activeTab, viewMode, sortDueAsc, searchTerm |
| version    | number | schema version, do not change |
| dev_seed   | bool   | origin flag, do not change |

## Rules

1. **Ids are strings** and unique within their partition.
2. **References** (` + "`" + `project_id` + "`" + `, ` + "`" + `note_id` + "`" + `, ` + "`" + `assignee_user_id` + "`" + `, ` + "`" + `pm_user_id` + "`" + `) hold the id of a
   record in the matching partition, or null.
3. **Dates** are ` + "`" + `YYYY-MM-DD` + "`" + ` strings or null.
4. **Task status** is one of ` + "`" + `backlog` + "`" + `, ` + "`" + `in_progress` + "`" + `, ` + "`" + `blocked` + "`" + `, ` + "`" + `done` + "`" + `.
5. **Attachments** are ` + "`" + `{id, name, kind}` + "`" + ` entries whose id names a cached file handle.
   Add them with the ` + "`" + `attach_files` + "`" + ` tool rather than by hand.
6. **Unknown fields** are kept as written.
7. Changes to ` + "`" + `ui` + "`" + ` alone are not saved until another partition changes.

## Example

` + "```" + `json
{
  "id": "t6",
  "project_id": "p1",
  "note_id": null,
  "title": "Order anchor bolts",
  "assignee_user_id": "u2",
  "status": "backlog",
  "priority": "high",
  "due_date": "2025-08-20"
}
` + "```" + `
`
