// Package mongodb reads listing feed records from a MongoDB collection.
package mongodb

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/listings"
)

// document is the stored shape of a feed record. Property ids and locations
// arrive in more than one BSON type.
type document struct {
	listings.Record `bson:",inline"`
	PropertyID      bson.RawValue `bson:"property_id"`
	Location        bson.RawValue `bson:"location"`
}

// ListingSource is a listings.Source over the feed collection
type ListingSource struct {
	cursor *mongo.Cursor
	read   int
}

// Listings opens a source over the feed documents matching filter
func (c *Client) Listings(ctx context.Context, filter bson.M) (*ListingSource, error) {
	cursor, err := c.find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &ListingSource{cursor: cursor}, nil
}

// Next decodes the next feed document
func (s *ListingSource) Next(ctx context.Context) (*listings.Record, error) {
	if !s.cursor.Next(ctx) {
		if err := s.cursor.Err(); err != nil {
			return nil, fmt.Errorf("failed to read listing feed after %d documents: %w", s.read, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	s.read++

	var doc document
	if err := s.cursor.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: document %d: %v", listings.ErrInvalidRecord, s.read, err)
	}
	return doc.toRecord()
}

// Close closes the cursor
func (s *ListingSource) Close() error {
	return s.cursor.Close(context.Background())
}

func (d *document) toRecord() (*listings.Record, error) {
	rec := d.Record

	id, err := propertyID(d.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", listings.ErrInvalidRecord, rec.ListingID, err)
	}
	rec.PropertyID = id
	rec.Location = location(d.Location)
	return &rec, nil
}

func propertyID(v bson.RawValue) (epc.ID, error) {
	switch v.Type {
	case 0, bsontype.Null, bsontype.Undefined:
		return "", nil
	case bsontype.String:
		return epc.ID(v.StringValue()), nil
	case bsontype.Int32:
		return epc.ID(strconv.FormatInt(int64(v.Int32()), 10)), nil
	case bsontype.Int64:
		return epc.ID(strconv.FormatInt(v.Int64(), 10)), nil
	case bsontype.Double:
		f := v.Double()
		if f != float64(int64(f)) {
			return "", fmt.Errorf("property_id %v is not an integer", f)
		}
		return epc.ID(strconv.FormatInt(int64(f), 10)), nil
	default:
		return "", fmt.Errorf("unsupported property_id type %s", v.Type)
	}
}

// location accepts an embedded {lat, lon} or {lat, lng} document or a "lat,lon" string.
// Anything else is treated as absent.
func location(v bson.RawValue) epc.RawLocation {
	switch v.Type {
	case bsontype.EmbeddedDocument:
		var point struct {
			Lat *float64 `bson:"lat"`
			Lon *float64 `bson:"lon"`
			Lng *float64 `bson:"lng"`
		}
		if err := v.Unmarshal(&point); err != nil {
			return epc.RawLocation{}
		}
		lon := point.Lon
		if lon == nil {
			lon = point.Lng
		}
		if point.Lat == nil || lon == nil {
			return epc.RawLocation{}
		}
		return epc.PointLocation(*point.Lat, *lon)
	case bsontype.String:
		return epc.RawLocation{Kind: epc.LocationString, Text: v.StringValue()}
	default:
		return epc.RawLocation{}
	}
}
