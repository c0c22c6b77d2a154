package search

import "github.com/poiesic/mailvec/core"

// GroupByConversation groups docs by conversation ID. Conversations appear in
// the order their first document appears in docs, and each conversation keeps
// its documents in input order. Documents without a conversation ID are
// grouped under the empty ID.
func GroupByConversation(docs []*core.Document) []*core.Conversation {
	byID := make(map[string]*core.Conversation)
	var result []*core.Conversation
	for _, doc := range docs {
		conv, ok := byID[doc.ConversationID]
		if !ok {
			conv = &core.Conversation{ConversationID: doc.ConversationID}
			byID[doc.ConversationID] = conv
			result = append(result, conv)
		}
		conv.Documents = append(conv.Documents, doc)
	}
	return result
}
