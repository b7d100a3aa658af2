package wxr

import (
	"encoding/xml"
	"strings"

	"github.com/c360studio/wpmigrate/entity"
)

// node is a generic decoded element.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n node) text() string {
	return strings.TrimSpace(n.Text)
}

// itemFields maps item children to post fields. Children not listed keep
// their local name.
var itemFields = map[string]string{
	"title":       entity.FieldPostTitle,
	"post_id":     entity.FieldPostID,
	"post_name":   entity.FieldPostName,
	"post_parent": entity.FieldPostParent,
	"post_type":   entity.FieldPostType,
	"status":      entity.FieldPostStatus,
	"post_date":   entity.FieldPostDate,
	"guid":        entity.FieldGUID,
	"creator":     "post_author",
	"link":        "link",
	"pubDate":     "pub_date",
	"description": "description",
}

// itemSkipped lists item children that become their own entities or are not
// post fields.
var itemSkipped = map[string]bool{
	"postmeta": true,
	"comment":  true,
	"category": true,
}

// entitiesOf converts a channel child into entities. Unknown elements yield
// none.
func entitiesOf(n node) []*entity.Entity {
	switch n.XMLName.Local {
	case "base_site_url":
		return []*entity.Entity{siteOption("siteurl", n.text())}
	case "base_blog_url":
		return []*entity.Entity{siteOption("home", n.text())}
	case "author":
		return []*entity.Entity{flat(entity.TypeUser, n, nil)}
	case "category":
		return []*entity.Entity{term(n, "category", map[string]string{
			"category_nicename":    entity.FieldTermSlug,
			"category_parent":      entity.FieldTermParent,
			"cat_name":             entity.FieldTermName,
			"category_description": "description",
		})}
	case "tag":
		return []*entity.Entity{term(n, "post_tag", map[string]string{
			"tag_slug":        entity.FieldTermSlug,
			"tag_name":        entity.FieldTermName,
			"tag_description": "description",
		})}
	case "term":
		return []*entity.Entity{term(n, "", map[string]string{
			"term_taxonomy":    entity.FieldTermTaxonomy,
			"term_slug":        entity.FieldTermSlug,
			"term_parent":      entity.FieldTermParent,
			"term_name":        entity.FieldTermName,
			"term_description": "description",
		})}
	case "item":
		return item(n)
	}
	return nil
}

func siteOption(name, value string) *entity.Entity {
	e := entity.New(entity.TypeSiteOption)
	e.Data.Set(entity.FieldOptionName, name)
	e.Data.Set(entity.FieldOptionValue, value)
	return e
}

// flat copies every child's text into a field named by rename or, when
// absent there, by the child's local name.
func flat(t entity.Type, n node, rename map[string]string) *entity.Entity {
	e := entity.New(t)
	for _, c := range n.Children {
		key := c.XMLName.Local
		if r, ok := rename[key]; ok {
			key = r
		}
		e.Data.Set(key, c.text())
	}
	return e
}

func term(n node, taxonomy string, rename map[string]string) *entity.Entity {
	e := entity.New(entity.TypeTerm)
	if taxonomy != "" {
		e.Data.Set(entity.FieldTermTaxonomy, taxonomy)
	}
	for _, c := range n.Children {
		key := c.XMLName.Local
		if r, ok := rename[key]; ok {
			key = r
		}
		e.Data.Set(key, c.text())
	}
	return e
}

// item returns the post followed by its meta entries and comments.
func item(n node) []*entity.Entity {
	post := entity.New(entity.TypePost)
	var rest []*entity.Entity

	for _, c := range n.Children {
		local := c.XMLName.Local
		switch {
		case local == "encoded" && strings.Contains(c.XMLName.Space, "excerpt"):
			post.Data.Set(entity.FieldPostExcerpt, c.Text)
		case local == "encoded":
			post.Data.Set(entity.FieldPostContent, c.Text)
		case local == "attachment_url":
			post.Data.Set(entity.FieldAttachmentURL, c.text())
		case itemSkipped[local]:
		default:
			key := local
			if r, ok := itemFields[local]; ok {
				key = r
			}
			post.Data.Set(key, c.text())
		}
	}
	postID := post.Get(entity.FieldPostID)

	for _, c := range n.Children {
		switch c.XMLName.Local {
		case "postmeta":
			meta := flat(entity.TypePostMeta, c, nil)
			meta.Data.Set(entity.FieldPostID, postID)
			rest = append(rest, meta)
		case "comment":
			comment := entity.New(entity.TypeComment)
			comment.Data.Set(entity.FieldPostID, postID)
			for _, cc := range c.Children {
				if cc.XMLName.Local == "commentmeta" {
					continue
				}
				comment.Data.Set(cc.XMLName.Local, cc.text())
			}
			rest = append(rest, comment)
		}
	}
	return append([]*entity.Entity{post}, rest...)
}
