package tracker

import (
	"github.com/starford/tracker/internal/persist"
	"github.com/starford/tracker/internal/statestore"
)

// SchemaVersion is bumped only when the seed structure changes in a way
// that must replace stored data.
const SchemaVersion = 3

func strp(s string) *string { return &s }

func defaultUI() UI {
	return UI{ActiveTab: "tasks", ViewMode: "kanban", SortDueAsc: true}
}

// BuildSeed returns the initial snapshot. The production seed is empty;
// dev mode adds sample users, projects, notes and tasks. The origin flag
// differs between the two so switching modes replaces stored data.
func BuildSeed(dev bool) statestore.Tree {
	if !dev {
		return statestore.Tree{
			persist.VersionKey: SchemaVersion,
			persist.OriginKey:  false,
			PartitionUsers:     []User{},
			PartitionProjects:  []Project{},
			PartitionNotes:     []Note{},
			PartitionTasks:     []Task{},
			PartitionUI:        defaultUI(),
		}.Clone()
	}

	ui := defaultUI()
	ui.SelectedProjectID = strp("p1")

	return statestore.Tree{
		persist.VersionKey: SchemaVersion,
		persist.OriginKey:  true,
		PartitionUsers: []User{
			{ID: "u1", Name: "Ava", Email: "ava@example.local"},
			{ID: "u2", Name: "Ben", Email: "ben@example.local"},
			{ID: "u3", Name: "Cam", Email: "cam@example.local"},
			{ID: "u4", Name: "Dee", Email: "dee@example.local"},
		},
		PartitionProjects: []Project{
			{ID: "p1", JobNumber: "1334", Name: "AVC The Commons", Client: "AVC", Status: "active", PMUserID: strp("u2"), StartDate: strp("2025-01-10")},
			{ID: "p2", JobNumber: "1338", Name: "Pierce College ILB", Client: "LACCD", Status: "active", PMUserID: strp("u3"), StartDate: strp("2025-03-01")},
			{ID: "p3", JobNumber: "1340", Name: "Banning Childcare", Client: "LAUSD", Status: "hold", PMUserID: strp("u1"), StartDate: strp("2025-02-12")},
			{ID: "p4", JobNumber: "1350", Name: "ETI and Master File", Client: "ETI", Status: "active", PMUserID: strp("u4"), StartDate: strp("2025-05-20")},
		},
		PartitionNotes: []Note{
			{ID: "n1", ProjectID: "p1", MeetingDate: strp("2025-08-01"),
				Body: "Agenda: Safety, Schedule.\nDecisions:\n- Proceed with feeder reroute.\nNext steps:\n- Submit RFI #12."},
			{ID: "n2", ProjectID: "p1", MeetingDate: strp("2025-08-12"), Pinned: true,
				Body: "Submittals lagging. Weekly check-ins.\nDecision: split panel order."},
			{ID: "n3", ProjectID: "p2", MeetingDate: strp("2025-07-30"),
				Body: "Hold pending DSA comment response."},
		},
		PartitionTasks: []Task{
			{ID: "t1", ProjectID: "p1", NoteID: strp("n1"), Title: "Draft RFI #12", AssigneeUserID: strp("u1"), Status: StatusInProgress, Priority: "med", DueDate: strp("2025-08-10")},
			{ID: "t2", ProjectID: "p1", NoteID: strp("n1"), Title: "Feeder reroute layout", AssigneeUserID: strp("u2"), Status: StatusBacklog, Priority: "high", DueDate: strp("2025-08-16")},
			{ID: "t3", ProjectID: "p1", NoteID: strp("n2"), Title: "Panel split procurement", AssigneeUserID: strp("u4"), Status: StatusBlocked, Priority: "high", DueDate: strp("2025-08-08")},
			{ID: "t4", ProjectID: "p2", NoteID: strp("n3"), Title: "Reply to DSA comments", AssigneeUserID: strp("u3"), Status: StatusBacklog, Priority: "med", DueDate: strp("2025-08-22")},
			{ID: "t5", ProjectID: "p4", Title: "Create master drawing index", AssigneeUserID: strp("u2"), Status: StatusInProgress, Priority: "low", DueDate: strp("2025-08-25")},
		},
		PartitionUI: ui,
	}.Clone()
}

// Migrate upgrades snapshots written by older schema versions: partitions
// introduced since then are added empty. Current snapshots pass through.
func Migrate(snapshot statestore.Tree, fromVersion int) statestore.Tree {
	if fromVersion >= SchemaVersion {
		return snapshot
	}
	for _, p := range []string{PartitionUsers, PartitionProjects, PartitionNotes, PartitionTasks} {
		if _, ok := snapshot[p].([]any); !ok {
			snapshot[p] = []any{}
		}
	}
	if _, ok := snapshot[PartitionUI].(map[string]any); !ok {
		snapshot[PartitionUI] = statestore.Clone(defaultUI())
	}
	return snapshot
}

// PersistFilter returns a projection that drops the named partitions from
// saved and exported snapshots. With no names it returns nil, which keeps
// everything.
func PersistFilter(drop ...string) persist.FilterFunc {
	if len(drop) == 0 {
		return nil
	}
	return func(state statestore.Tree) statestore.Tree {
		for _, p := range drop {
			delete(state, p)
		}
		return state
	}
}
