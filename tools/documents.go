package tools

// Parameter types for the document tool set. The backend executes these;
// the client only needs their shapes for approval prompts and argument
// editing.

// SearchDocumentsParams queries the document index.
type SearchDocumentsParams struct {
	Query string `json:"query" jsonschema:"required,description=Full-text query against the document index"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of hits to return"`
}

// ReadDocumentParams fetches one document's content.
type ReadDocumentParams struct {
	DocumentID string `json:"documentId" jsonschema:"required,description=Identifier of the document to read"`
}

// RenameDocumentParams renames a document.
type RenameDocumentParams struct {
	DocumentID string `json:"documentId" jsonschema:"required,description=Identifier of the document to rename"`
	Name       string `json:"name" jsonschema:"required,description=New document name"`
}

// DeleteDocumentParams permanently deletes a document.
type DeleteDocumentParams struct {
	DocumentID string `json:"documentId" jsonschema:"required,description=Identifier of the document to delete"`
}

// WebSearchParams searches the public web.
type WebSearchParams struct {
	Query string `json:"query" jsonschema:"required,description=Web search query"`
}

// SummarizeDocumentParams produces a summary of one document.
type SummarizeDocumentParams struct {
	DocumentID string `json:"documentId" jsonschema:"required,description=Identifier of the document to summarize"`
	MaxWords   int    `json:"maxWords,omitempty" jsonschema:"description=Upper bound on summary length in words"`
}

// DefaultRegistry returns the registry of document tools the backend is
// known to expose.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Register[SearchDocumentsParams](r, "search_documents", "Search the document index")
	Register[ReadDocumentParams](r, "read_document", "Read a document's content")
	Register[RenameDocumentParams](r, "rename_document", "Rename a document")
	Register[DeleteDocumentParams](r, "delete_document", "Permanently delete a document")
	Register[WebSearchParams](r, "web_search", "Search the public web")
	Register[SummarizeDocumentParams](r, "summarize_document", "Summarize a document")
	return r
}
