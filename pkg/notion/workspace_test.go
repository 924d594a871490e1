package notion

import (
	"context"
	"strings"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockClient) AppendBlocks(ctx context.Context, blockID string, children []notionapi.Block) error {
	args := m.Called(ctx, blockID, children)
	return args.Error(0)
}

func TestCreateProjectPage(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreatePage", mock.Anything, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		title, ok := req.Properties["Name"].(notionapi.TitleProperty)
		if !ok || len(title.Title) == 0 || title.Title[0].Text.Content != "Acme Co" {
			return false
		}
		tid, ok := req.Properties["Thread ID"].(notionapi.RichTextProperty)
		return ok && tid.RichText[0].Text.Content == "thread-1"
	})).Return(&notionapi.Page{ID: "page-1"}, nil)

	pageID, err := CreateProjectPage(context.Background(), mc, ProjectInput{
		DatabaseID:  "db-1",
		ThreadID:    "thread-1",
		ClientName:  "Acme Co",
		ClientEmail: "jane@example.com",
		ScopeOfWork: "Build the thing.",
		ContractURL: "https://docs.example.com/signed.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "page-1", pageID)
	mc.AssertExpectations(t)
}

func TestFindProjectByThread(t *testing.T) {
	mc := new(mockClient)
	mc.On("QueryDatabase", mock.Anything, "db-1", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{
			Results: []notionapi.Page{{ID: "page-1"}},
		}, nil).Once()
	mc.On("QueryDatabase", mock.Anything, "db-1", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()

	id, err := FindProjectByThread(context.Background(), mc, "db-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", id)

	id, err = FindProjectByThread(context.Background(), mc, "db-1", "thread-2")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestBuildProjectBlocksChunksLongScope(t *testing.T) {
	in := ProjectInput{
		ScopeOfWork: strings.Repeat("x", maxRichTextLen+500),
	}
	blocks := buildProjectBlocks(in)
	// One heading plus two paragraph chunks.
	require.Len(t, blocks, 3)
	_, ok := blocks[0].(*notionapi.Heading2Block)
	assert.True(t, ok)
}

func TestChunkText(t *testing.T) {
	chunks := chunkText(strings.Repeat("a", 5), 2)
	assert.Equal(t, []string{"aa", "aa", "a"}, chunks)

	chunks = chunkText("short", 100)
	assert.Equal(t, []string{"short"}, chunks)
}
