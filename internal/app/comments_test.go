package app

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"testing"

	"cutline/api/internal/store"
)

type commentFixture struct {
	env      *testEnv
	ws       workspace
	jordan   store.TeamMember
	jordanTk string
	sam      store.TeamMember
	samTk    string
	casey    store.TeamMember
}

func newCommentFixture(t *testing.T) commentFixture {
	t.Helper()
	env := newTestEnv(t)
	ws := env.seedWorkspace(t)
	jordanUser, jordanToken := env.user(t, "Jordan Lee")
	samUser, samToken := env.user(t, "Sam")
	caseyUser, _ := env.user(t, "Casey Park")
	return commentFixture{
		env:      env,
		ws:       ws,
		jordan:   env.addMember(t, ws.teamID, jordanUser, "member"),
		jordanTk: jordanToken,
		sam:      env.addMember(t, ws.teamID, samUser, "member"),
		samTk:    samToken,
		casey:    env.addMember(t, ws.teamID, caseyUser, "member"),
	}
}

func (f commentFixture) post(t *testing.T, token string, input map[string]any) map[string]any {
	t.Helper()
	if _, ok := input["projectId"]; !ok {
		input["projectId"] = f.ws.projectID
	}
	res := f.env.mutate(t, token, "comments.create", input)
	expectStatus(t, res, http.StatusOK, "")
	return res.result()
}

func mentionedMemberIDs(view map[string]any) []string {
	ids := make([]string, 0)
	for _, raw := range view["mentions"].([]any) {
		ids = append(ids, raw.(map[string]any)["teamMemberId"].(string))
	}
	slices.Sort(ids)
	return ids
}

func sortedIDs(ids ...string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

func replies(view map[string]any) []any {
	return view["replies"].([]any)
}

func TestCreateCommentForbiddenInsertsNothing(t *testing.T) {
	f := newCommentFixture(t)
	_, outsiderToken := f.env.user(t, "Riley Outsider")

	res := f.env.mutate(t, outsiderToken, "comments.create", map[string]any{
		"projectId": f.ws.projectID,
		"content":   "let me in",
	})
	expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")
	if f.env.store.insertCommentCalls != 0 {
		t.Fatalf("expected no insert, got %d", f.env.store.insertCommentCalls)
	}

	res = f.env.mutate(t, outsiderToken, "comments.create", map[string]any{
		"projectId": "prj_missing",
		"content":   "hello",
	})
	expectStatus(t, res, http.StatusNotFound, "NOT_FOUND")
}

func TestCommentAccessCheckedBeforeContent(t *testing.T) {
	f := newCommentFixture(t)
	_, outsiderToken := f.env.user(t, "Riley Outsider")
	created := f.post(t, f.ws.ownerToken, map[string]any{"content": "mine"})

	for _, content := range []string{"   ", strings.Repeat("x", 10001)} {
		res := f.env.mutate(t, outsiderToken, "comments.create", map[string]any{
			"projectId": f.ws.projectID,
			"content":   content,
		})
		expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")

		res = f.env.mutate(t, outsiderToken, "comments.update", map[string]any{"id": created["id"], "content": content})
		expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")

		res = f.env.mutate(t, f.jordanTk, "comments.update", map[string]any{"id": created["id"], "content": content})
		expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")
	}

	res := f.env.mutate(t, f.ws.ownerToken, "comments.update", map[string]any{"id": created["id"], "content": "   "})
	expectStatus(t, res, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCreateCommentDerivesMentionsFromContent(t *testing.T) {
	f := newCommentFixture(t)

	created := f.post(t, f.ws.ownerToken, map[string]any{
		"content": "  Thoughts @JordanLee and @Sam? cc @Nobody @Sam @AveryStone  ",
	})

	if created["content"] != "Thoughts @JordanLee and @Sam? cc @Nobody @Sam @AveryStone" {
		t.Fatalf("expected trimmed content, got %q", created["content"])
	}
	want := sortedIDs(f.jordan.ID, f.sam.ID, f.ws.ownerTM.ID)
	if got := mentionedMemberIDs(created); !slices.Equal(got, want) {
		t.Fatalf("expected mentions %v, got %v", want, got)
	}
	author := created["author"].(map[string]any)
	if author["id"] != f.ws.ownerTM.ID || author["role"] != "admin" {
		t.Fatalf("unexpected author %v", author)
	}
	if user := author["user"].(map[string]any); user["name"] != "Avery Stone" {
		t.Fatalf("unexpected author user %v", user)
	}

	if len(f.env.notifier.mentions) != 1 {
		t.Fatalf("expected one mention notification batch, got %d", len(f.env.notifier.mentions))
	}
	notice := f.env.notifier.mentions[0]
	if notice.author != "Avery Stone" || notice.projectID != f.ws.projectID {
		t.Fatalf("unexpected notice %+v", notice)
	}
	var names []string
	for _, r := range notice.recipients {
		names = append(names, r.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"Jordan Lee", "Sam"}) {
		t.Fatalf("expected Jordan Lee and Sam to be notified (author excluded), got %v", names)
	}

	if len(f.env.index.comments) != 1 || f.env.index.comments[0].ID != created["id"] {
		t.Fatalf("expected comment to be indexed, got %v", f.env.index.comments)
	}
}

func TestCreateCommentExplicitMentions(t *testing.T) {
	f := newCommentFixture(t)

	created := f.post(t, f.ws.ownerToken, map[string]any{
		"content":      "see above",
		"mentionedIds": []string{f.jordan.ID, f.jordan.ID, f.sam.ID},
	})
	if got, want := mentionedMemberIDs(created), sortedIDs(f.jordan.ID, f.sam.ID); !slices.Equal(got, want) {
		t.Fatalf("expected de-duplicated mentions %v, got %v", want, got)
	}

	created = f.post(t, f.ws.ownerToken, map[string]any{
		"content":      "hey @Sam",
		"mentionedIds": []string{},
	})
	if got := mentionedMemberIDs(created); len(got) != 0 {
		t.Fatalf("explicit empty list must win over content, got %v", got)
	}

	res := f.env.mutate(t, f.ws.ownerToken, "comments.create", map[string]any{
		"projectId":    f.ws.projectID,
		"content":      "ghost",
		"mentionedIds": []string{"tm_not_in_team"},
	})
	expectStatus(t, res, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCreateCommentValidation(t *testing.T) {
	f := newCommentFixture(t)
	other := f.env.mutate(t, f.ws.ownerToken, "projects.create", map[string]any{"teamId": f.ws.teamID, "name": "Other"})
	expectStatus(t, other, http.StatusOK, "")
	otherProjectID := other.result()["id"].(string)
	otherMainStageID := other.result()["mainStages"].([]any)[0].(map[string]any)["id"].(string)
	foreign := f.post(t, f.ws.ownerToken, map[string]any{"projectId": otherProjectID, "content": "elsewhere"})

	deleted := f.post(t, f.ws.ownerToken, map[string]any{"content": "soon gone"})
	expectStatus(t, f.env.mutate(t, f.ws.ownerToken, "comments.delete", map[string]any{"id": deleted["id"]}), http.StatusOK, "")

	tests := []struct {
		name       string
		input      map[string]any
		wantStatus int
		wantCode   string
	}{
		{name: "blank content", input: map[string]any{"content": "   "}, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "content too long", input: map[string]any{"content": strings.Repeat("x", 10001)}, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "parent in another project", input: map[string]any{"content": "reply", "parentId": foreign["id"]}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "deleted parent", input: map[string]any{"content": "reply", "parentId": deleted["id"]}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "unknown parent", input: map[string]any{"content": "reply", "parentId": "cmt_missing"}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "main stage of another project", input: map[string]any{"content": "x", "mainStageId": otherMainStageID}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "sub-stage outside main stage", input: map[string]any{
			"content":     "x",
			"mainStageId": f.ws.mainStageID(t, "production"),
			"subStageId":  f.ws.subStageID(t, "Concept"),
		}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.input["projectId"] = f.ws.projectID
			res := f.env.mutate(t, f.ws.ownerToken, "comments.create", tc.input)
			expectStatus(t, res, tc.wantStatus, tc.wantCode)
		})
	}
}

func TestCommentThreadNestsRepliesAtDepth(t *testing.T) {
	f := newCommentFixture(t)

	rootA := f.post(t, f.ws.ownerToken, map[string]any{"content": "root A"})
	replyB := f.post(t, f.jordanTk, map[string]any{"content": "reply B", "parentId": rootA["id"]})
	replyC := f.post(t, f.samTk, map[string]any{"content": "reply C", "parentId": replyB["id"]})
	f.post(t, f.ws.ownerToken, map[string]any{"content": "reply D", "parentId": replyC["id"]})
	f.post(t, f.samTk, map[string]any{"content": "reply B2", "parentId": rootA["id"]})
	rootE := f.post(t, f.jordanTk, map[string]any{"content": "root E"})

	res := f.env.query(t, f.ws.ownerToken, "comments.getByProject", map[string]any{"projectId": f.ws.projectID})
	expectStatus(t, res, http.StatusOK, "")
	roots := res.list()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if roots[0].(map[string]any)["id"] != rootE["id"] || roots[1].(map[string]any)["id"] != rootA["id"] {
		t.Fatalf("expected roots newest first")
	}

	a := roots[1].(map[string]any)
	aReplies := replies(a)
	if len(aReplies) != 2 {
		t.Fatalf("expected 2 replies under A, got %d", len(aReplies))
	}
	if aReplies[0].(map[string]any)["content"] != "reply B2" || aReplies[1].(map[string]any)["content"] != "reply B" {
		t.Fatalf("expected replies newest first, got %v then %v", aReplies[0].(map[string]any)["content"], aReplies[1].(map[string]any)["content"])
	}

	b := aReplies[1].(map[string]any)
	c := replies(b)[0].(map[string]any)
	d := replies(c)[0].(map[string]any)
	if c["content"] != "reply C" || d["content"] != "reply D" {
		t.Fatalf("unexpected deep chain %v / %v", c["content"], d["content"])
	}
	if d["parentId"] != c["id"] || len(replies(d)) != 0 {
		t.Fatalf("unexpected leaf %v", d)
	}
	if author := d["author"].(map[string]any)["user"].(map[string]any); author["name"] != "Avery Stone" {
		t.Fatalf("expected author at depth 3, got %v", author)
	}
}

func TestCommentScopeFiltersRootsOnly(t *testing.T) {
	f := newCommentFixture(t)
	conceptID := f.ws.subStageID(t, "Concept")
	ideationID := f.ws.mainStageID(t, "ideation")

	scoped := f.post(t, f.ws.ownerToken, map[string]any{"content": "on concept", "mainStageId": ideationID, "subStageId": conceptID})
	f.post(t, f.jordanTk, map[string]any{"content": "reply without scope", "parentId": scoped["id"]})
	f.post(t, f.ws.ownerToken, map[string]any{"content": "project level"})

	res := f.env.query(t, f.ws.ownerToken, "comments.getByProject", map[string]any{"projectId": f.ws.projectID, "subStageId": conceptID})
	expectStatus(t, res, http.StatusOK, "")
	roots := res.list()
	if len(roots) != 1 {
		t.Fatalf("expected only the concept thread, got %d roots", len(roots))
	}
	root := roots[0].(map[string]any)
	if root["subStageId"] != conceptID || len(replies(root)) != 1 {
		t.Fatalf("expected scoped root with its unscoped reply, got %v", root)
	}

	res = f.env.query(t, f.ws.ownerToken, "comments.getByProject", map[string]any{"projectId": f.ws.projectID})
	if got := len(res.list()); got != 2 {
		t.Fatalf("expected 2 roots project-wide, got %d", got)
	}
}

func TestCommentEditsAreAuthorOnly(t *testing.T) {
	f := newCommentFixture(t)
	created := f.post(t, f.ws.ownerToken, map[string]any{"content": "mine"})

	res := f.env.mutate(t, f.jordanTk, "comments.update", map[string]any{"id": created["id"], "content": "hijacked"})
	expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")

	res = f.env.mutate(t, f.jordanTk, "comments.delete", map[string]any{"id": created["id"]})
	expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")

	comment, err := f.env.store.GetComment(context.Background(), created["id"].(string))
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	if comment.Content != "mine" || comment.DeletedAt != nil {
		t.Fatalf("comment must be unchanged, got %+v", comment)
	}
}

func TestUpdateCommentReplacesMentions(t *testing.T) {
	f := newCommentFixture(t)
	created := f.post(t, f.ws.ownerToken, map[string]any{
		"content":      "first pass",
		"mentionedIds": []string{f.jordan.ID, f.sam.ID},
	})

	res := f.env.mutate(t, f.ws.ownerToken, "comments.update", map[string]any{
		"id":           created["id"],
		"content":      "second pass",
		"mentionedIds": []string{f.sam.ID, f.casey.ID},
	})
	expectStatus(t, res, http.StatusOK, "")
	if got, want := mentionedMemberIDs(res.result()), sortedIDs(f.sam.ID, f.casey.ID); !slices.Equal(got, want) {
		t.Fatalf("expected mentions exactly %v, got %v", want, got)
	}
	if res.result()["content"] != "second pass" {
		t.Fatalf("expected updated content, got %v", res.result()["content"])
	}

	last := f.env.notifier.mentions[len(f.env.notifier.mentions)-1]
	if len(last.recipients) != 1 || last.recipients[0].Name != "Casey Park" {
		t.Fatalf("expected only the newly mentioned member to be notified, got %+v", last.recipients)
	}
}

func TestDeleteCommentKeepsRepliesReachable(t *testing.T) {
	f := newCommentFixture(t)
	root := f.post(t, f.ws.ownerToken, map[string]any{"content": "root", "mentionedIds": []string{f.jordan.ID}})
	reply := f.post(t, f.jordanTk, map[string]any{"content": "reply", "parentId": root["id"]})
	leaf := f.post(t, f.ws.ownerToken, map[string]any{"content": "lonely leaf"})

	res := f.env.mutate(t, f.ws.ownerToken, "comments.delete", map[string]any{"id": root["id"]})
	expectStatus(t, res, http.StatusOK, "")
	if res.result()["id"] != root["id"] || res.result()["deleted"] != true {
		t.Fatalf("unexpected delete result %v", res.result())
	}
	expectStatus(t, f.env.mutate(t, f.ws.ownerToken, "comments.delete", map[string]any{"id": leaf["id"]}), http.StatusOK, "")

	tree := f.env.query(t, f.ws.ownerToken, "comments.getByProject", map[string]any{"projectId": f.ws.projectID})
	roots := tree.list()
	if len(roots) != 1 {
		t.Fatalf("expected the deleted leaf to be pruned, got %d roots", len(roots))
	}
	placeholder := roots[0].(map[string]any)
	if placeholder["deleted"] != true || placeholder["content"] != "" || placeholder["author"] != nil {
		t.Fatalf("expected placeholder, got %v", placeholder)
	}
	if len(placeholder["mentions"].([]any)) != 0 {
		t.Fatalf("expected mentions removed, got %v", placeholder["mentions"])
	}
	kept := replies(placeholder)
	if len(kept) != 1 || kept[0].(map[string]any)["id"] != reply["id"] {
		t.Fatalf("expected reply under placeholder, got %v", kept)
	}

	res = f.env.mutate(t, f.ws.ownerToken, "comments.delete", map[string]any{"id": root["id"]})
	expectStatus(t, res, http.StatusNotFound, "NOT_FOUND")
	res = f.env.mutate(t, f.ws.ownerToken, "comments.update", map[string]any{"id": root["id"], "content": "revive"})
	expectStatus(t, res, http.StatusNotFound, "NOT_FOUND")

	if !slices.Contains(f.env.index.deletedComments, root["id"].(string)) {
		t.Fatalf("expected deleted comment to leave the search index")
	}
}

func TestGetRepliesReturnsSubtree(t *testing.T) {
	f := newCommentFixture(t)
	root := f.post(t, f.ws.ownerToken, map[string]any{"content": "root"})
	child := f.post(t, f.jordanTk, map[string]any{"content": "child", "parentId": root["id"]})
	f.post(t, f.samTk, map[string]any{"content": "grandchild", "parentId": child["id"]})

	res := f.env.query(t, f.ws.ownerToken, "comments.getReplies", map[string]any{"id": root["id"]})
	expectStatus(t, res, http.StatusOK, "")
	subtree := res.list()
	if len(subtree) != 1 {
		t.Fatalf("expected one direct reply, got %d", len(subtree))
	}
	first := subtree[0].(map[string]any)
	if first["id"] != child["id"] || len(replies(first)) != 1 {
		t.Fatalf("unexpected subtree %v", first)
	}

	_, outsiderToken := f.env.user(t, "Riley Outsider")
	res = f.env.query(t, outsiderToken, "comments.getReplies", map[string]any{"id": root["id"]})
	expectStatus(t, res, http.StatusForbidden, "FORBIDDEN")
}

func TestGetMentionableUsers(t *testing.T) {
	f := newCommentFixture(t)

	res := f.env.query(t, f.samTk, "comments.getMentionableUsers", map[string]any{"projectId": f.ws.projectID})
	expectStatus(t, res, http.StatusOK, "")
	users := res.list()
	if len(users) != 4 {
		t.Fatalf("expected 4 team members, got %d", len(users))
	}
	handles := make([]string, 0, len(users))
	for _, raw := range users {
		handles = append(handles, raw.(map[string]any)["handle"].(string))
	}
	slices.Sort(handles)
	if !slices.Equal(handles, []string{"AveryStone", "CaseyPark", "JordanLee", "Sam"}) {
		t.Fatalf("unexpected handles %v", handles)
	}
}
