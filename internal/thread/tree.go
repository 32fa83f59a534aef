// Package thread assembles flat comment rows into reply trees and resolves
// @mentions in comment text.
package thread

import (
	"sort"

	"cutline/api/internal/store"
)

type Node struct {
	Comment store.Comment
	Replies []*Node
}

// Build links comments into trees. A comment is a root when it has no parent
// or its parent is not part of the input. Every level is ordered newest
// first (ties broken by id, descending). Soft-deleted comments survive only
// as placeholders for visible descendants; deleted leaves are pruned.
func Build(comments []store.Comment) []*Node {
	nodes := make(map[string]*Node, len(comments))
	for _, comment := range comments {
		nodes[comment.ID] = &Node{Comment: comment, Replies: make([]*Node, 0)}
	}

	roots := make([]*Node, 0)
	for _, comment := range comments {
		node := nodes[comment.ID]
		if comment.ParentID != nil {
			if parent, ok := nodes[*comment.ParentID]; ok && parent != node {
				parent.Replies = append(parent.Replies, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	return prune(roots)
}

func prune(level []*Node) []*Node {
	kept := level[:0]
	for _, node := range level {
		node.Replies = prune(node.Replies)
		if node.Comment.DeletedAt != nil && len(node.Replies) == 0 {
			continue
		}
		kept = append(kept, node)
	}
	sortNewestFirst(kept)
	return kept
}

func sortNewestFirst(level []*Node) {
	sort.SliceStable(level, func(i, j int) bool {
		a, b := level[i].Comment, level[j].Comment
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
