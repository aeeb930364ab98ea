// Package tumblr holds typed views over the Tumblr v2 API responses used by
// the dumper: the response envelope, a page of posts, a single post and the
// blog info.
package tumblr

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/tumblr-dumper/pkg/view"
)

// DefaultBaseURL is the Tumblr API origin.
const DefaultBaseURL = "https://api.tumblr.com"

// PageSize is the number of posts the posts endpoint returns per request.
const PageSize = 20

// StatusOK is the meta.status value of a successful response.
const StatusOK = 200

// PostsPath builds the posts endpoint for blog at offset. The client adds
// the origin and the API key.
func PostsPath(blog string, offset int) string {
	q := url.Values{}
	q.Set("reblog_info", "true")
	q.Set("offset", strconv.Itoa(offset))
	return fmt.Sprintf("/v2/blog/%s/posts?%s", url.PathEscape(blog), q.Encode())
}

// InfoPath builds the blog info endpoint.
func InfoPath(blog string) string {
	return fmt.Sprintf("/v2/blog/%s/info", url.PathEscape(blog))
}

// Meta is the status block every response carries.
type Meta struct {
	Status  int
	Message string
}

// OK reports whether the response succeeded.
func (m Meta) OK() bool {
	return m.Status == StatusOK
}

// DecodeMeta reads meta.status and meta.msg from a response body.
func DecodeMeta(body view.Value) (Meta, error) {
	status, err := body.Path("meta.status")
	if err != nil {
		return Meta{}, err
	}
	code, err := status.Int()
	if err != nil {
		return Meta{}, fmt.Errorf("meta.status: %w", err)
	}

	meta := Meta{Status: int(code)}
	if msg, ok := lookupPath(body, "meta", "msg"); ok {
		meta.Message, _ = msg.Text()
	}
	return meta, nil
}

// PostKey identifies a post for duplicate suppression.
type PostKey struct {
	ID        string
	Timestamp int64
}

// Post is one post payload. The raw payload stays reachable through Value.
type Post struct {
	view.Value

	ID        string
	Timestamp int64
	Type      string
}

// Key returns the dedup key (id, timestamp).
func (p Post) Key() PostKey {
	return PostKey{ID: p.ID, Timestamp: p.Timestamp}
}

// DecodePost extracts the identifying fields of a post payload.
func DecodePost(v view.Value) (Post, error) {
	id, err := v.Field("id")
	if err != nil {
		return Post{}, err
	}
	idText, err := id.Text()
	if err != nil {
		return Post{}, fmt.Errorf("post id: %w", err)
	}

	ts, err := v.Field("timestamp")
	if err != nil {
		return Post{}, err
	}
	timestamp, err := ts.Int()
	if err != nil {
		return Post{}, fmt.Errorf("post timestamp: %w", err)
	}

	post := Post{Value: v, ID: idText, Timestamp: timestamp}
	if typ, ok := v.Lookup("type"); ok {
		post.Type, _ = typ.Text()
	}
	return post, nil
}

// Page is one decoded posts response.
type Page struct {
	// TotalPosts is the blog's post count at the time of the request.
	TotalPosts int
	Posts      []Post
}

// DecodePage reads response.blog.total_posts and response.posts.
func DecodePage(body view.Value) (Page, error) {
	total, err := body.Path("response.blog.total_posts")
	if err != nil {
		return Page{}, err
	}
	n, err := total.Int()
	if err != nil {
		return Page{}, fmt.Errorf("total_posts: %w", err)
	}

	rawPosts, err := body.Path("response.posts")
	if err != nil {
		return Page{}, err
	}
	items, err := rawPosts.List()
	if err != nil {
		return Page{}, fmt.Errorf("posts: %w", err)
	}

	page := Page{TotalPosts: int(n), Posts: make([]Post, 0, len(items))}
	for i, item := range items {
		post, err := DecodePost(item)
		if err != nil {
			return Page{}, fmt.Errorf("post %d: %w", i, err)
		}
		page.Posts = append(page.Posts, post)
	}
	return page, nil
}

// BlogInfo is the subset of /info the CLI reports.
type BlogInfo struct {
	Name        string
	Title       string
	URL         string
	TotalPosts  int
	Updated     int64
	Description string
}

// DecodeBlogInfo reads response.blog from an info response.
func DecodeBlogInfo(body view.Value) (BlogInfo, error) {
	blog, err := body.Path("response.blog")
	if err != nil {
		return BlogInfo{}, err
	}

	name, err := blog.Field("name")
	if err != nil {
		return BlogInfo{}, err
	}
	info := BlogInfo{}
	if info.Name, err = name.Text(); err != nil {
		return BlogInfo{}, fmt.Errorf("blog name: %w", err)
	}

	if v, ok := blog.Lookup("title"); ok {
		info.Title, _ = v.Text()
	}
	if v, ok := blog.Lookup("url"); ok {
		info.URL, _ = v.Text()
	}
	if v, ok := blog.Lookup("description"); ok {
		info.Description, _ = v.Text()
	}
	if v, ok := blog.Lookup("updated"); ok {
		info.Updated, _ = v.Int()
	}
	// info responses call the counter "posts", posts responses "total_posts"
	for _, field := range []string{"total_posts", "posts"} {
		if v, ok := blog.Lookup(field); ok {
			n, err := v.Int()
			if err == nil {
				info.TotalPosts = int(n)
				break
			}
		}
	}
	return info, nil
}

func lookupPath(v view.Value, names ...string) (view.Value, bool) {
	cur := v
	for _, name := range names {
		next, ok := cur.Lookup(name)
		if !ok {
			return view.Value{}, false
		}
		cur = next
	}
	return cur, true
}
